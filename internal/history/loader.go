// Package history fetches prior processing runs and reduces each fetch to
// exactly one of the loading, error, empty, or populated display states.
package history

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/dunamismax/visionx/internal/domain"
	"github.com/rs/zerolog"
)

type Order string

const (
	// OrderService keeps the sequence exactly as the service returned it.
	OrderService Order = "service"
	// OrderNewestFirst sorts by created_at descending. Ties keep service order.
	OrderNewestFirst Order = "newest_first"
)

func ParseOrder(raw string) (Order, error) {
	switch Order(strings.ToLower(strings.TrimSpace(raw))) {
	case "", OrderNewestFirst:
		return OrderNewestFirst, nil
	case OrderService:
		return OrderService, nil
	default:
		return "", fmt.Errorf("unknown history order %q", raw)
	}
}

type State string

const (
	StateLoading   State = "loading"
	StateError     State = "error"
	StateEmpty     State = "empty"
	StatePopulated State = "populated"
)

// View is derived only from the latest fetch. Entries is set only in the
// populated state and Error only in the error state.
type View struct {
	State   State                 `json:"state"`
	Entries []domain.HistoryEntry `json:"entries,omitempty"`
	Error   string                `json:"error,omitempty"`
}

type Fetcher interface {
	History(ctx context.Context) ([]domain.HistoryEntry, error)
}

type Loader struct {
	logger  zerolog.Logger
	fetcher Fetcher
	order   Order

	mu      sync.Mutex
	pending int
	last    State
}

func NewLoader(logger zerolog.Logger, fetcher Fetcher, order Order) *Loader {
	if order == "" {
		order = OrderNewestFirst
	}
	return &Loader{logger: logger, fetcher: fetcher, order: order}
}

// Fetch asks the service for the full history. Nothing is cached between
// calls.
func (l *Loader) Fetch(ctx context.Context) ([]domain.HistoryEntry, error) {
	entries, err := l.fetcher.History(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrHistoryFetch) {
			err = domain.Wrap(domain.ErrHistoryFetch, "fetch history", err)
		}
		return nil, err
	}
	if l.order == OrderNewestFirst {
		entries = slices.Clone(entries)
		slices.SortStableFunc(entries, func(a, b domain.HistoryEntry) int {
			return b.CreatedAt.Compare(a.CreatedAt.Time)
		})
	}
	return entries, nil
}

// Load runs one fetch and returns the view for its outcome.
func (l *Loader) Load(ctx context.Context) View {
	l.mu.Lock()
	l.pending++
	l.mu.Unlock()

	view := l.load(ctx)

	l.mu.Lock()
	l.pending--
	l.last = view.State
	l.mu.Unlock()
	return view
}

func (l *Loader) load(ctx context.Context) View {
	entries, err := l.Fetch(ctx)
	if err != nil {
		l.logger.Error().Err(err).Msg("history fetch failed")
		return View{State: StateError, Error: domain.UserMessage(err)}
	}
	if len(entries) == 0 {
		return View{State: StateEmpty}
	}
	l.logger.Debug().Int("entries", len(entries)).Msg("history loaded")
	return View{State: StatePopulated, Entries: entries}
}

// State is StateLoading while any Load is waiting on the service, the state
// of the last finished Load otherwise, and "" before the first one.
func (l *Loader) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending > 0 {
		return StateLoading
	}
	return l.last
}
