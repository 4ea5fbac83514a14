package config

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/vitalsd/internal/errors"
	"codeberg.org/mutker/vitalsd/internal/logger"
	"codeberg.org/mutker/vitalsd/internal/vital"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

var envKeyReplacer = strings.NewReplacer("-", "_")

// Store is the live per-vital settings store. It snapshots intervals and
// visibility from viper and notifies subscribers of keys whose value changed.
type Store struct {
	v   *viper.Viper
	log logger.Logger

	mu        sync.RWMutex
	intervals map[vital.Type]time.Duration
	visible   map[vital.Type]bool
	subs      map[string]map[uint64]*subscription
	nextID    uint64
}

type subscription struct {
	store  *Store
	key    string
	id     uint64
	fn     Handler
	mu     sync.RWMutex
	active atomic.Bool
}

func (s *subscription) fire() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active.Load() {
		s.fn(s.key)
	}
}

func (s *subscription) Unsubscribe() {
	s.mu.Lock()
	wasActive := s.active.Swap(false)
	s.mu.Unlock()

	if wasActive {
		s.store.remove(s.key, s.id)
	}
}

// NewStore snapshots v. Missing or invalid values fall back to defaults.
func NewStore(v *viper.Viper, log logger.Logger) *Store {
	if v == nil {
		v = viper.New()
	}
	if log == nil {
		log = logger.Nop()
	}

	s := &Store{
		v:         v,
		log:       log,
		intervals: make(map[vital.Type]time.Duration, len(DefaultIntervals)),
		visible:   make(map[vital.Type]bool, len(DefaultIntervals)),
		subs:      make(map[string]map[uint64]*subscription),
	}
	for _, vt := range vital.All() {
		s.intervals[vt] = DefaultIntervals[vt]
		s.visible[vt] = true
	}
	s.apply(s.read())

	return s
}

// Watch reloads the store whenever viper sees the config file change.
func (s *Store) Watch() {
	s.v.OnConfigChange(func(e fsnotify.Event) {
		s.log.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("Config file changed")
		s.reload()
	})
	s.v.WatchConfig()
}

func (s *Store) Interval(vt vital.Type) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.intervals[vt]; ok {
		return d
	}
	return DefaultIntervals[vital.Processor]
}

func (s *Store) Visible(vt vital.Type) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.visible[vt]
}

// Set changes one key. An invalid value is rejected and the old one kept.
func (s *Store) Set(key string, value any) error {
	if _, _, err := s.parse(key, value); err != nil {
		return err
	}

	s.notify(s.apply(map[string]any{key: value}))
	return nil
}

func (s *Store) Subscribe(key string, fn Handler) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	sub := &subscription{store: s, key: key, id: s.nextID, fn: fn}
	sub.active.Store(true)

	if s.subs[key] == nil {
		s.subs[key] = make(map[uint64]*subscription)
	}
	s.subs[key][sub.id] = sub

	return sub
}

func (s *Store) remove(key string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.subs[key], id)
	if len(s.subs[key]) == 0 {
		delete(s.subs, key)
	}
}

// reload re-reads every key from viper and notifies changed ones.
func (s *Store) reload() {
	s.notify(s.apply(s.read()))
}

func (s *Store) read() map[string]any {
	values := make(map[string]any)
	for _, key := range Keys() {
		if s.v.IsSet(key) {
			values[key] = s.v.Get(key)
		}
	}
	return values
}

// apply stores the valid values and returns the keys that changed.
func (s *Store) apply(values map[string]any) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []string
	for key, value := range values {
		vt, parsed, err := s.parse(key, value)
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("Ignoring invalid setting")
			continue
		}

		switch p := parsed.(type) {
		case time.Duration:
			if s.intervals[vt] != p {
				s.intervals[vt] = p
				changed = append(changed, key)
			}
		case bool:
			if s.visible[vt] != p {
				s.visible[vt] = p
				changed = append(changed, key)
			}
		}
	}

	return changed
}

func (s *Store) notify(keys []string) {
	if len(keys) == 0 {
		return
	}

	s.mu.RLock()
	var subs []*subscription
	for _, key := range keys {
		for _, sub := range s.subs[key] {
			subs = append(subs, sub)
		}
	}
	s.mu.RUnlock()

	for _, sub := range subs {
		sub.fire()
	}
}

func (*Store) parse(key string, value any) (vital.Type, any, error) {
	for _, vt := range vital.All() {
		switch key {
		case vt.IntervalKey():
			d, err := parseInterval(key, value)
			return vt, d, err
		case vt.VisibleKey():
			b, err := cast.ToBoolE(value)
			if err != nil {
				return vt, nil, errors.New().WithData(ErrInvalidValue, key)
			}
			return vt, b, nil
		}
	}

	return 0, nil, errors.New().WithData(ErrUnknownKey, key)
}

// parseInterval accepts a positive number of milliseconds.
func parseInterval(key string, value any) (time.Duration, error) {
	ms, err := cast.ToInt64E(value)
	if err != nil || ms <= 0 {
		return 0, errors.New().WithData(errors.ErrInvalidInterval, key+"="+cast.ToString(value))
	}
	return time.Duration(ms) * time.Millisecond, nil
}
