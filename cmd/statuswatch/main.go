// Command statuswatch waits on one approval record until it is decided or
// expires. It follows realtime events and polls as a fallback, and exits 0
// on approval, 2 on rejection, 3 on expiry and 1 on error.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"teenlancer/internal/approval"
	"teenlancer/internal/client"
	"teenlancer/internal/logger"
	"teenlancer/internal/models"
)

type logNavigator struct {
	log logrus.FieldLogger
}

func (n logNavigator) ShowWaiting(snap models.StatusSnapshot) {
	n.log.WithFields(logrus.Fields{"id": snap.ID, "expires_at": snap.ExpiresAt}).Info("waiting for parent approval")
}

func (n logNavigator) Replace(route string, snap models.StatusSnapshot) {
	n.log.WithFields(logrus.Fields{"id": snap.ID, "route": route}).Info("approved, continue to account setup")
}

func (n logNavigator) ShowTerminal(snap models.StatusSnapshot) {
	entry := n.log.WithFields(logrus.Fields{"id": snap.ID, "status": snap.Status})
	if snap.RejectionReason != "" {
		entry = entry.WithField("reason", snap.RejectionReason)
	}
	entry.Info("request closed")
}

func main() {
	var (
		baseURL   = flag.String("base-url", envOr("TEENLANCER_URL", "http://localhost:8080"), "API base URL")
		id        = flag.String("id", "", "approval record id")
		token     = flag.String("token", "", "approval link token")
		email     = flag.String("email", "", "requester email")
		birthdate = flag.String("birthdate", "", "requester birthdate (YYYY-MM-DD), narrows an email lookup")
		access    = flag.String("access-token", os.Getenv("TEENLANCER_ACCESS_TOKEN"), "bearer token for authenticated lookups")
		interval  = flag.Duration("poll", approval.DefaultPollInterval, "polling interval")
		markers   = flag.String("markers", "", "file that remembers outstanding requests between runs")
		timeout   = flag.Duration("timeout", 0, "give up after this long (0 waits until decided)")
		level     = flag.String("log-level", "info", "log level")
	)
	flag.Parse()
	log := logger.New(*level, "development")

	key := models.LookupKey{
		Token:        strings.TrimSpace(*token),
		ID:           strings.TrimSpace(*id),
		OwnerContact: strings.ToLower(strings.TrimSpace(*email)),
		Birthdate:    strings.TrimSpace(*birthdate),
	}
	var store approval.MarkerStore
	if *markers != "" {
		fs := approval.NewFileMarkerStore(*markers)
		store = fs
		if key.ID == "" && key.Token == "" && key.OwnerContact != "" {
			if m, ok, err := fs.Load(key.OwnerContact); err != nil {
				log.WithError(err).Warn("read markers")
			} else if ok {
				log.WithField("id", m.Key.ID).Info("resuming outstanding request")
				key = m.Key
			}
		}
	}
	if key.Empty() {
		fmt.Fprintln(os.Stderr, "statuswatch: one of -id, -token or -email is required")
		flag.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	api := client.New(*baseURL, nil, log)
	ctrl, err := approval.New(approval.Config{
		Key:          key,
		Session:      approval.Session{AccessToken: *access},
		Contact:      key.OwnerContact,
		Fetcher:      api,
		Subscriber:   api,
		Navigator:    logNavigator{log: log},
		Markers:      store,
		PollInterval: *interval,
		Log:          log,
	})
	if err != nil {
		log.Fatalf("statuswatch: %v", err)
	}
	if err := ctrl.Mount(ctx); err != nil {
		log.Fatalf("statuswatch: %v", err)
	}

	select {
	case <-ctrl.Done():
	case <-ctx.Done():
		ctrl.Unmount()
		log.WithError(ctx.Err()).Warn("stopped before a decision")
		os.Exit(1)
	}
	ctrl.Unmount()
	os.Exit(exitCode(ctrl.Status().Status))
}

func exitCode(s models.ApprovalStatus) int {
	switch s {
	case models.StatusApproved:
		return 0
	case models.StatusRejected:
		return 2
	case models.StatusExpired:
		return 3
	}
	return 1
}

func envOr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

