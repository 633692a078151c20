package cache

import (
	"bytes"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout: "e:<key>" holds the gob Entry, "m:<key>" the gob diskMeta.
// The tag index is rebuilt from metas on open.

type diskMeta struct {
	Size       int64
	LastAccess int64
	Tags       []string
}

type diskOp struct {
	putKey string
	putEnt *Entry
	delKey string
	done   chan struct{}
}

type diskCache struct {
	maxBytes int64

	db *leveldb.DB

	mu        sync.Mutex
	index     map[string]diskMeta
	tags      map[string]map[string]struct{}
	totalSize int64

	ops  chan diskOp
	done chan struct{}
}

func newDiskCache(path string, maxBytes int64) (*diskCache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	d := &diskCache{
		maxBytes: maxBytes,
		db:       db,
		index:    map[string]diskMeta{},
		tags:     map[string]map[string]struct{}{},
		ops:      make(chan diskOp, 1024),
		done:     make(chan struct{}),
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go d.writerLoop()
	return d, nil
}

func (d *diskCache) close() {
	close(d.ops)
	<-d.done
	_ = d.db.Close()
}

func (d *diskCache) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix([]byte("m:")), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), []byte("m:")))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	d.mu.Lock()
	d.index = idx
	d.tags = map[string]map[string]struct{}{}
	for k, m := range idx {
		d.indexTagsLocked(k, m.Tags)
	}
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

func (d *diskCache) indexTagsLocked(key string, tags []string) {
	for _, t := range tags {
		set := d.tags[t]
		if set == nil {
			set = map[string]struct{}{}
			d.tags[t] = set
		}
		set[key] = struct{}{}
	}
}

func (d *diskCache) unindexTagsLocked(key string, tags []string) {
	for _, t := range tags {
		if set := d.tags[t]; set != nil {
			delete(set, key)
			if len(set) == 0 {
				delete(d.tags, t)
			}
		}
	}
}

func (d *diskCache) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *diskCache) KeyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index)
}

func (d *diskCache) HasKey(key string) bool {
	d.mu.Lock()
	_, ok := d.index[key]
	d.mu.Unlock()
	return ok
}

func (d *diskCache) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.index))
	for k := range d.index {
		out = append(out, k)
	}
	return out
}

func (d *diskCache) KeysWithTag(tag string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.tags[tag]))
	for k := range d.tags[tag] {
		out = append(out, k)
	}
	return out
}

func (d *diskCache) Peek(key string) (Entry, bool) {
	b, err := d.db.Get([]byte("e:"+key), nil)
	if err != nil {
		return Entry{}, false
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, false
	}
	return ent, true
}

func (d *diskCache) Get(key string) (Entry, bool) {
	ent, ok := d.Peek(key)
	if !ok {
		return Entry{}, false
	}
	d.mu.Lock()
	_, exists := d.index[key]
	d.mu.Unlock()
	if exists {
		d.ops <- diskOp{putKey: key} // meta touch
	}
	return ent, true
}

func (d *diskCache) PutAsync(key string, ent Entry) {
	clone := ent
	d.ops <- diskOp{putKey: key, putEnt: &clone}
}

// Delete removes key and returns once the write has been applied, so a read
// issued afterwards cannot observe the deleted entry.
func (d *diskCache) Delete(key string) {
	done := make(chan struct{})
	d.ops <- diskOp{delKey: key, done: done}
	<-done
}

// Flush waits until every op queued before the call has been applied.
func (d *diskCache) Flush() {
	done := make(chan struct{})
	d.ops <- diskOp{done: done}
	<-done
}

func (d *diskCache) writerLoop() {
	defer close(d.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for op := range d.ops {
		switch {
		case op.delKey != "":
			d.applyDelete(op.delKey)
		case op.putKey != "":
			d.applyPutOrTouch(op.putKey, op.putEnt)
		}
		if op.done != nil {
			close(op.done)
		}
	}
}

func (d *diskCache) applyPutOrTouch(key string, ent *Entry) {
	now := time.Now().Unix()

	d.mu.Lock()
	meta, exists := d.index[key]
	d.mu.Unlock()

	batch := new(leveldb.Batch)

	if ent != nil {
		b, err := encodeGob(*ent)
		if err != nil {
			return
		}
		size := int64(len(b))
		newMeta := diskMeta{Size: size, LastAccess: now, Tags: ent.Tags}

		d.mu.Lock()
		if exists {
			d.totalSize -= meta.Size
			d.unindexTagsLocked(key, meta.Tags)
		}
		d.index[key] = newMeta
		d.indexTagsLocked(key, newMeta.Tags)
		d.totalSize += size
		total := d.totalSize
		max := d.maxBytes
		d.mu.Unlock()

		batch.Put([]byte("e:"+key), b)
		mb, _ := encodeGob(newMeta)
		batch.Put([]byte("m:"+key), mb)
		_ = d.db.Write(batch, nil)

		if max > 0 && total > max {
			d.evictSome()
		}
		return
	}

	// touch only
	if !exists {
		return
	}
	meta.LastAccess = now
	d.mu.Lock()
	d.index[key] = meta
	d.mu.Unlock()
	mb, _ := encodeGob(meta)
	batch.Put([]byte("m:"+key), mb)
	_ = d.db.Write(batch, nil)
}

func (d *diskCache) applyDelete(key string) {
	batch := new(leveldb.Batch)
	batch.Delete([]byte("e:" + key))
	batch.Delete([]byte("m:" + key))
	_ = d.db.Write(batch, nil)

	d.mu.Lock()
	if meta, ok := d.index[key]; ok {
		d.totalSize -= meta.Size
		d.unindexTagsLocked(key, meta.Tags)
		delete(d.index, key)
	}
	d.mu.Unlock()
}

// evictSome drops the least recently accessed tenth of the disk entries.
func (d *diskCache) evictSome() {
	type item struct {
		key string
		m   diskMeta
	}
	d.mu.Lock()
	items := make([]item, 0, len(d.index))
	for k, m := range d.index {
		items = append(items, item{k, m})
	}
	d.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n && i < len(items); i++ {
		d.applyDelete(items[i].key)
	}
}
