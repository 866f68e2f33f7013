package browser

import (
	"errors"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/pilot/pkg/logging"
)

func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsedAt = time.Now()
	s.mu.Unlock()
}

// LastUsedAt returns the time of the last operation on the session.
func (s *Session) LastUsedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsedAt
}

// CurrentURL returns the URL the page was at after the last navigation.
func (s *Session) CurrentURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentURL
}

// Info returns a metadata snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		Name:       s.Name,
		CurrentURL: s.currentURL,
		Headless:   s.Headless,
		CreatedAt:  s.CreatedAt,
		LastUsedAt: s.lastUsedAt,
	}
}

// Navigate navigates the session's page to the specified URL.
func (s *Session) Navigate(url string, opts NavigateOptions) error {
	s.touch()

	gotoOpts := playwright.PageGotoOptions{}
	if opts.WaitUntil != "" {
		waitUntil := playwright.WaitUntilState(opts.WaitUntil)
		gotoOpts.WaitUntil = &waitUntil
	}
	if opts.Timeout > 0 {
		gotoOpts.Timeout = &opts.Timeout
	}

	if _, err := s.Page.Goto(url, gotoOpts); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}

	s.mu.Lock()
	s.currentURL = s.Page.URL()
	s.mu.Unlock()
	return nil
}

// Content returns the page's full HTML.
func (s *Session) Content() (string, error) {
	s.touch()

	content, err := s.Page.Content()
	if err != nil {
		return "", fmt.Errorf("failed to read page content: %w", err)
	}
	return content, nil
}

// Snapshot returns the page's HTML reduced to its semantic structure.
func (s *Session) Snapshot(maxLength int) (*Snapshot, error) {
	if maxLength <= 0 {
		maxLength = DefaultSnapshotLength
	}
	content, err := s.Content()
	if err != nil {
		return nil, err
	}
	return CleanHTML(content, maxLength)
}

// Bridge returns the session's page bridge, installing it on first use.
func (s *Session) Bridge(logger *logging.Logger) (*Bridge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bridge != nil {
		return s.bridge, nil
	}
	b, err := NewBridge(s.Page, WithBridgeLogger(logger))
	if err != nil {
		return nil, err
	}
	s.bridge = b
	return b, nil
}

func (s *Session) close() error {
	s.mu.Lock()
	b := s.bridge
	s.bridge = nil
	s.mu.Unlock()

	if b != nil {
		b.Close()
	}
	return errors.Join(s.Page.Close(), s.Context.Close(), s.Browser.Close())
}
