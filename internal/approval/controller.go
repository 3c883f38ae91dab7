// Package approval drives a requester's view of one approval record from
// pending to its terminal state.
package approval

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"teenlancer/internal/models"
	"teenlancer/internal/realtime"
)

const (
	RouteAccountCompletion = "account-completion"
	DefaultPollInterval    = 5 * time.Second
	defaultSubscribeWait   = 10 * time.Second
)

var ErrAlreadyMounted = errors.New("approval: controller already mounted")

// Session is the requester's auth state. It is handed to the controller
// explicitly and forwarded to every fetch.
type Session struct {
	AccessToken string
	UserID      string
}

type Fetcher interface {
	FetchStatus(ctx context.Context, sess Session, key models.LookupKey) (models.StatusSnapshot, error)
}

type FetcherFunc func(ctx context.Context, sess Session, key models.LookupKey) (models.StatusSnapshot, error)

func (f FetcherFunc) FetchStatus(ctx context.Context, sess Session, key models.LookupKey) (models.StatusSnapshot, error) {
	return f(ctx, sess, key)
}

// Navigator performs the UI side effects. Replace must not leave a back
// entry to the waiting screen.
type Navigator interface {
	ShowWaiting(snap models.StatusSnapshot)
	Replace(route string, snap models.StatusSnapshot)
	ShowTerminal(snap models.StatusSnapshot)
}

type Config struct {
	Key     models.LookupKey
	Session Session
	// Contact names the outstanding-request marker. Defaults to the lookup
	// key's owner contact, then to the record id.
	Contact string

	Fetcher    Fetcher
	Subscriber realtime.Subscriber
	Navigator  Navigator
	Markers    MarkerStore

	PollInterval     time.Duration
	SubscribeTimeout time.Duration
	Log              logrus.FieldLogger
}

type Controller struct {
	cfg Config
	log logrus.FieldLogger

	mu       sync.Mutex
	mounted  bool
	armed    bool
	polling  bool
	// rtArmed is set once realtime watching was requested. rtFilter is the
	// filter of the running watcher, if any.
	rtArmed  bool
	rtFilter models.ChangeFilter
	rtCancel context.CancelFunc
	current  models.StatusSnapshot
	cancel   context.CancelFunc
	watchCtx context.Context
	done     chan struct{}
	wg       sync.WaitGroup
}

func New(cfg Config) (*Controller, error) {
	if cfg.Fetcher == nil {
		return nil, errors.New("approval: fetcher is required")
	}
	if cfg.Navigator == nil {
		return nil, errors.New("approval: navigator is required")
	}
	if cfg.Key.Empty() {
		return nil, errors.New("approval: lookup key is empty")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = defaultSubscribeWait
	}
	if cfg.Markers == nil {
		cfg.Markers = NewMemoryMarkerStore()
	}
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Controller{
		cfg:  cfg,
		log:  log.WithField("component", "approval_controller"),
		done: make(chan struct{}),
	}, nil
}

// Mount performs the initial read and either finishes immediately on a
// terminal status or arms the realtime watcher and the polling fallback.
// A failed read is logged and left to the poller to retry.
func (c *Controller) Mount(ctx context.Context) error {
	c.mu.Lock()
	if c.mounted {
		c.mu.Unlock()
		return ErrAlreadyMounted
	}
	c.mounted = true
	c.armed = true
	c.watchCtx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	snap, err := c.cfg.Fetcher.FetchStatus(ctx, c.cfg.Session, c.cfg.Key)
	if err != nil {
		c.log.WithError(err).Warn("initial status fetch failed, waiting for retry")
		c.cfg.Navigator.ShowWaiting(models.StatusSnapshot{ID: c.cfg.Key.ID, Status: models.StatusPending})
		c.arm(c.filterFor(""))
		return nil
	}
	if c.accept(snap, "initial") && snap.Status == models.StatusPending {
		c.arm(c.filterFor(snap.ID))
	}
	return nil
}

// Unmount tears down every watcher. Deliveries that arrive afterwards are
// ignored. The outstanding-request marker is kept.
func (c *Controller) Unmount() {
	c.mu.Lock()
	c.armed = false
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// Done is closed once a terminal status has been accepted.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) Status() models.StatusSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Controller) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

func (c *Controller) contact(recordID string) string {
	if c.cfg.Contact != "" {
		return c.cfg.Contact
	}
	if c.cfg.Key.OwnerContact != "" {
		return c.cfg.Key.OwnerContact
	}
	if recordID != "" {
		return recordID
	}
	return c.cfg.Key.ID
}

func (c *Controller) filterFor(recordID string) models.ChangeFilter {
	if recordID == "" {
		recordID = c.cfg.Key.ID
	}
	if recordID != "" {
		return models.ChangeFilter{RecordID: recordID}
	}
	return models.ChangeFilter{OwnerContact: c.cfg.Key.OwnerContact}
}

func (c *Controller) arm(filter models.ChangeFilter) {
	c.mu.Lock()
	if !c.armed {
		c.mu.Unlock()
		return
	}
	c.rtArmed = true
	c.mu.Unlock()

	c.startRealtime(filter)
	c.ensurePolling()
}

// startRealtime runs a watcher for filter, replacing any running one.
func (c *Controller) startRealtime(filter models.ChangeFilter) {
	if c.cfg.Subscriber == nil || (filter.RecordID == "" && filter.OwnerContact == "") {
		return
	}
	c.mu.Lock()
	if !c.armed {
		c.mu.Unlock()
		return
	}
	if c.rtCancel != nil {
		c.rtCancel()
	}
	ctx, cancel := context.WithCancel(c.watchCtx)
	c.rtCancel = cancel
	c.rtFilter = filter
	c.wg.Add(1)
	c.mu.Unlock()

	w := &realtimeWatcher{c: c, sub: c.cfg.Subscriber, filter: filter, timeout: c.cfg.SubscribeTimeout}
	go func() {
		defer c.wg.Done()
		defer cancel()
		w.run(ctx)
	}()
}

// ensurePolling starts the polling fallback unless it is already running.
func (c *Controller) ensurePolling() {
	c.mu.Lock()
	if !c.armed || c.polling {
		c.mu.Unlock()
		return
	}
	c.polling = true
	ctx := c.watchCtx
	c.wg.Add(1)
	c.mu.Unlock()

	p := &poller{c: c, interval: c.cfg.PollInterval}
	go func() {
		defer c.wg.Done()
		p.run(ctx)
	}()
}

// newer reports whether snap supersedes the current snapshot. A terminal
// status at the current version over pending is newer: read-time expiry
// does not bump the stored version.
func (c *Controller) newer(snap models.StatusSnapshot) bool {
	if snap.Version == 0 || c.current.Version == 0 || snap.Version > c.current.Version {
		return true
	}
	return snap.Version == c.current.Version && c.current.Status == models.StatusPending && snap.Status.IsTerminal()
}

// accept applies a snapshot from any source. It returns false when the
// snapshot is ignored: controller not armed, same status as the current one,
// or an older version. The first terminal status tears everything down and
// navigates exactly once. A pending snapshot that reveals the record id
// moves realtime watching onto that id.
func (c *Controller) accept(snap models.StatusSnapshot, source string) bool {
	c.mu.Lock()
	if !c.armed {
		c.mu.Unlock()
		return false
	}
	if snap.Status == c.current.Status {
		c.mu.Unlock()
		return false
	}
	if !c.newer(snap) {
		acceptedVersion := c.current.Version
		c.mu.Unlock()
		c.log.WithFields(logrus.Fields{"source": source, "version": snap.Version, "accepted_version": acceptedVersion}).
			Debug("dropping stale status")
		return false
	}
	if snap.ID == "" {
		snap.ID = c.current.ID
	}
	c.current = snap
	terminal := snap.Status.IsTerminal()
	if terminal {
		c.armed = false
		c.cancel()
	}
	upgrade := !terminal && c.rtArmed && snap.ID != "" && c.rtFilter.RecordID == ""
	c.mu.Unlock()

	if upgrade {
		c.startRealtime(models.ChangeFilter{RecordID: snap.ID})
	}

	c.log.WithFields(logrus.Fields{"source": source, "record_id": snap.ID, "status": snap.Status, "version": snap.Version}).
		Info("status accepted")

	contact := c.contact(snap.ID)
	if !terminal {
		key := c.cfg.Key
		if key.ID == "" {
			key.ID = snap.ID
		}
		if err := c.cfg.Markers.Save(contact, Marker{Key: key, SavedAt: time.Now().UTC()}); err != nil {
			c.log.WithError(err).Warn("save pending marker failed")
		}
		c.cfg.Navigator.ShowWaiting(snap)
		return true
	}

	if err := c.cfg.Markers.Clear(contact); err != nil {
		c.log.WithError(err).Warn("clear pending marker failed")
	}
	if snap.Status == models.StatusApproved {
		c.cfg.Navigator.Replace(RouteAccountCompletion, snap)
	} else {
		c.cfg.Navigator.ShowTerminal(snap)
	}
	close(c.done)
	return true
}
