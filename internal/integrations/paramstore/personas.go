package paramstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"persona-chat/internal/domain"
)

const defaultPersonaCacheSize = 128

// PersonaStore reads persona profiles stored as JSON under
// <prefix>/personas/<id>. Profiles are read-only at runtime, so each one is
// fetched once per process and then served from an LRU cache.
type PersonaStore struct {
	getter Getter
	prefix string
	cache  *lru.Cache
}

func NewPersonaStore(getter Getter, prefix string, cacheSize int) (*PersonaStore, error) {
	if getter == nil {
		return nil, errors.New("paramstore: getter must not be nil")
	}
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return nil, errors.New("paramstore: parameter prefix must not be empty")
	}
	if cacheSize <= 0 {
		cacheSize = defaultPersonaCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("paramstore: persona cache: %w", err)
	}
	return &PersonaStore{getter: getter, prefix: prefix, cache: cache}, nil
}

// ErrInvalidPersonaID is returned for ids that cannot name a parameter. It
// matches domain.ErrPersonaNotFound.
var ErrInvalidPersonaID = fmt.Errorf("paramstore: invalid persona id: %w", domain.ErrPersonaNotFound)

func (s *PersonaStore) GetPersona(ctx context.Context, personaID string) (domain.Persona, error) {
	personaID = strings.TrimSpace(personaID)
	if personaID == "" || strings.ContainsAny(personaID, "/ ") {
		return domain.Persona{}, ErrInvalidPersonaID
	}
	if v, ok := s.cache.Get(personaID); ok {
		return v.(domain.Persona), nil
	}

	raw, err := s.getter.GetParameter(ctx, s.prefix+"/personas/"+personaID)
	if errors.Is(err, ErrNotFound) {
		return domain.Persona{}, fmt.Errorf("paramstore: GetPersona %s: %w", personaID, domain.ErrPersonaNotFound)
	}
	if err != nil {
		return domain.Persona{}, fmt.Errorf("paramstore: GetPersona: %w", err)
	}
	p, err := parsePersona(raw)
	if err != nil {
		return domain.Persona{}, fmt.Errorf("paramstore: GetPersona %s: %w", personaID, err)
	}
	if p.ID == "" {
		p.ID = personaID
	}
	if p.ID != personaID {
		return domain.Persona{}, fmt.Errorf("paramstore: GetPersona %s: profile id %q does not match", personaID, p.ID)
	}
	s.cache.Add(personaID, p)
	return p, nil
}

// PathGetter lists the parameters under a path. *Client implements it.
type PathGetter interface {
	GetByPath(ctx context.Context, path string) (map[string]string, error)
}

// ListPersonas reads every profile under <prefix>/personas. Profiles that do
// not parse are skipped and reported in the returned error.
func (s *PersonaStore) ListPersonas(ctx context.Context) ([]domain.Persona, error) {
	pg, ok := s.getter.(PathGetter)
	if !ok {
		return nil, errors.New("paramstore: ListPersonas: getter cannot list parameters")
	}
	raw, err := pg.GetByPath(ctx, s.prefix+"/personas")
	if err != nil {
		return nil, fmt.Errorf("paramstore: ListPersonas: %w", err)
	}
	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var (
		out  []domain.Persona
		errs []error
	)
	for _, id := range ids {
		p, err := parsePersona(raw[id])
		if err != nil {
			errs = append(errs, fmt.Errorf("persona %s: %w", id, err))
			continue
		}
		if p.ID == "" {
			p.ID = id
		}
		s.cache.Add(id, p)
		out = append(out, p)
	}
	return out, errors.Join(errs...)
}

func parsePersona(raw string) (domain.Persona, error) {
	var p domain.Persona
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return domain.Persona{}, fmt.Errorf("decode persona: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return domain.Persona{}, errors.New("decode persona: trailing data")
	}
	if strings.TrimSpace(p.Name) == "" {
		return domain.Persona{}, errors.New("persona name is required")
	}
	return p, nil
}
