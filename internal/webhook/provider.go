package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"revalidator/internal/config"
	"revalidator/internal/revalidate"
)

var ErrUnknownProvider = errors.New("unknown webhook provider")

// Translation is what a verified callback asks for. A nil Request means the
// event is acknowledged without revalidating anything.
type Translation struct {
	Request *revalidate.Request
	Ack     string
}

// Provider is one webhook source: how it signs and what its events mean.
type Provider interface {
	Name() ProviderName
	SignatureHeader() string
	Verify(body []byte, signature string) bool
	Translate(body []byte, hdr http.Header, meta revalidate.Metadata) (Translation, error)
}

// Registry holds the configured providers.
type Registry struct {
	providers []Provider
}

func NewRegistry(cfg config.Webhooks) *Registry {
	return &Registry{providers: []Provider{
		&trelloProvider{cfg: cfg.Trello},
		&githubProvider{secret: cfg.GitHub.Secret, targets: cfg.GitHub.Targets},
		&genericProvider{secret: cfg.Generic.Secret},
	}}
}

func (r *Registry) Lookup(name string) (Provider, error) {
	for _, p := range r.providers {
		if string(p.Name()) == strings.ToLower(name) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
}

// Detect picks the provider whose signature header is present.
func (r *Registry) Detect(h http.Header) (Provider, error) {
	for _, p := range r.providers {
		if h.Get(p.SignatureHeader()) != "" {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: no signature header", ErrUnknownProvider)
}

func webhookRequest(source string, tt revalidate.TargetType, targets []string, meta revalidate.Metadata) *revalidate.Request {
	return &revalidate.Request{
		Kind:       revalidate.KindWebhook,
		Source:     source,
		TargetType: tt,
		Targets:    targets,
		Metadata:   meta,
	}
}

type trelloProvider struct {
	cfg config.TrelloWebhook
}

func (p *trelloProvider) Name() ProviderName      { return Trello }
func (p *trelloProvider) SignatureHeader() string { return "X-Trello-Webhook" }
func (p *trelloProvider) Verify(body []byte, sig string) bool {
	return Verify(body, sig, p.cfg.Secret, Trello)
}

type trelloEvent struct {
	Action struct {
		Type string `json:"type"`
		Data struct {
			Card struct {
				Name string `json:"name"`
			} `json:"card"`
			Board struct {
				Name string `json:"name"`
			} `json:"board"`
		} `json:"data"`
	} `json:"action"`
}

// Translate maps any board action onto the workshop tags (and paths, when
// configured). Payloads without an action are acknowledged only.
func (p *trelloProvider) Translate(body []byte, _ http.Header, meta revalidate.Metadata) (Translation, error) {
	var ev trelloEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return Translation{}, fmt.Errorf("trello payload: %w", err)
	}
	if ev.Action.Type == "" {
		return Translation{Ack: "no action"}, nil
	}

	var req *revalidate.Request
	switch {
	case len(p.cfg.Paths) == 0:
		req = webhookRequest("trello-webhook", revalidate.TargetTag, append([]string(nil), p.cfg.Tags...), meta)
	default:
		targets := append(append([]string(nil), p.cfg.Tags...), p.cfg.Paths...)
		req = webhookRequest("trello-webhook", revalidate.TargetSelective, targets, meta)
	}
	req.Options.WarmAfter = p.cfg.WarmAfter == nil || *p.cfg.WarmAfter
	return Translation{Request: req, Ack: ev.Action.Type}, nil
}

type githubProvider struct {
	secret  string
	targets []string
}

func (p *githubProvider) Name() ProviderName      { return GitHub }
func (p *githubProvider) SignatureHeader() string { return "X-Hub-Signature-256" }
func (p *githubProvider) Verify(body []byte, sig string) bool {
	return Verify(body, sig, p.secret, GitHub)
}

type githubPush struct {
	Ref        string `json:"ref"`
	Repository struct {
		DefaultBranch string `json:"default_branch"`
	} `json:"repository"`
}

// Translate revalidates the configured targets on pushes to the default
// branch, or everything when no targets are configured.
func (p *githubProvider) Translate(body []byte, hdr http.Header, meta revalidate.Metadata) (Translation, error) {
	switch event := hdr.Get("X-GitHub-Event"); event {
	case "ping":
		return Translation{Ack: "pong"}, nil
	case "push", "":
	default:
		return Translation{Ack: "ignored " + event}, nil
	}

	var push githubPush
	if err := json.Unmarshal(body, &push); err != nil {
		return Translation{}, fmt.Errorf("github payload: %w", err)
	}
	if def := push.Repository.DefaultBranch; def != "" && push.Ref != "refs/heads/"+def {
		return Translation{Ack: "ignored ref " + push.Ref}, nil
	}
	if len(p.targets) == 0 {
		return Translation{Request: webhookRequest("github-webhook", revalidate.TargetAll, nil, meta), Ack: "push"}, nil
	}
	req := webhookRequest("github-webhook", revalidate.TargetSelective, append([]string(nil), p.targets...), meta)
	return Translation{Request: req, Ack: "push"}, nil
}

type genericProvider struct {
	secret string
}

func (p *genericProvider) Name() ProviderName      { return Generic }
func (p *genericProvider) SignatureHeader() string { return "X-Webhook-Signature" }
func (p *genericProvider) Verify(body []byte, sig string) bool {
	return Verify(body, sig, p.secret, Generic)
}

type genericBody struct {
	Source     string                `json:"source"`
	TargetType revalidate.TargetType `json:"targetType"`
	Targets    []string              `json:"targets"`
	Options    revalidate.Options    `json:"options"`
}

func (p *genericProvider) Translate(body []byte, _ http.Header, meta revalidate.Metadata) (Translation, error) {
	var b genericBody
	if err := json.Unmarshal(body, &b); err != nil {
		return Translation{}, fmt.Errorf("%w: %v", revalidate.ErrInvalidRequest, err)
	}
	source := b.Source
	if source == "" {
		source = "generic-webhook"
	}
	req := webhookRequest(source, b.TargetType, b.Targets, meta)
	req.Options = b.Options
	return Translation{Request: req, Ack: string(b.TargetType)}, nil
}
