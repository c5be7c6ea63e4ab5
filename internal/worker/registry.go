package worker

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"async-notify/internal/config"
	"async-notify/internal/executor"
	"async-notify/internal/signature"
)

// Validator decides whether a notification is authentic. data never contains
// the signature field.
type Validator interface {
	Verify(data map[string]string, signature string) bool
}

// Provider bundles the capabilities of one notification category.
type Provider struct {
	Validator  Validator
	Parser     Parser
	Executor   executor.Executor
	AckSuccess string
	AckFailure string
}

// Registry maps categories to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	closers   []io.Closer
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register binds p to category. Missing parser and executor fall back to the
// category's default parser and a no-op log executor.
func (r *Registry) Register(category string, p Provider) {
	if category == "" {
		return
	}
	if p.Parser == nil {
		p.Parser = ParserFor(category)
	}
	if p.Executor == nil {
		p.Executor = executor.NewLogExecutor(zerolog.Nop())
	}
	if p.AckSuccess == "" {
		p.AckSuccess = "success"
	}
	if p.AckFailure == "" {
		p.AckFailure = "fail"
	}
	r.mu.Lock()
	r.providers[category] = p
	r.mu.Unlock()
}

func (r *Registry) Get(category string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[category]
	if !ok {
		return Provider{}, fmt.Errorf("no provider registered for category %q", category)
	}
	return p, nil
}

// Categories returns the registered categories in sorted order.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for c := range r.providers {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Close releases resources shared by executors, such as the Kafka writer.
func (r *Registry) Close() error {
	r.mu.Lock()
	closers := r.closers
	r.closers = nil
	r.mu.Unlock()

	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewRegistryFromConfig builds a provider for every configured category.
func NewRegistryFromConfig(cfg config.Config, logger zerolog.Logger) (*Registry, error) {
	r := NewRegistry()

	var kafkaWriter executor.MessageWriter
	for _, category := range cfg.Categories {
		pc := cfg.Provider(category)

		validator, err := buildValidator(pc)
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("provider %s: %w", category, err)
		}

		var exec executor.Executor
		switch pc.Executor {
		case executor.TypeLog:
			exec = executor.NewLogExecutor(logger.With().Str("category", category).Logger())
		case executor.TypeWebhook:
			if pc.WebhookURL == "" {
				_ = r.Close()
				return nil, fmt.Errorf("provider %s: webhook executor needs webhook_url", category)
			}
			exec = executor.NewWebhookExecutor(pc.WebhookURL, cfg.Batch.Timeout)
		case executor.TypeKafka:
			if len(cfg.Kafka.Brokers) == 0 {
				_ = r.Close()
				return nil, fmt.Errorf("provider %s: kafka executor needs kafka.brokers", category)
			}
			if kafkaWriter == nil {
				w := executor.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
				kafkaWriter = w
				r.closers = append(r.closers, w)
			}
			exec = executor.NewKafkaExecutor(category, kafkaWriter)
		default:
			_ = r.Close()
			return nil, fmt.Errorf("provider %s: unknown executor %q", category, pc.Executor)
		}

		r.Register(category, Provider{
			Validator:  validator,
			Parser:     ParserFor(category),
			Executor:   exec,
			AckSuccess: pc.AckSuccess,
			AckFailure: pc.AckFailure,
		})
	}
	return r, nil
}

func buildValidator(pc config.ProviderConfig) (Validator, error) {
	var v Validator
	if pc.Secret != "" {
		sv, err := signature.New(pc.SignType, pc.Secret)
		if err != nil {
			return nil, err
		}
		v = sv
	}
	if pc.Schema != "" {
		schema, err := NewSchemaValidator(pc.Schema, v)
		if err != nil {
			return nil, err
		}
		v = schema
	}
	return v, nil
}
