// Package browser drives web pages through Playwright on behalf of the agent.
//
// # Sessions
//
// A SessionManager owns the Playwright driver and a bounded set of named
// sessions, each a chromium browser with one page. Sessions idle for longer
// than the idle timeout are closed by RunIdleCleanup.
//
//	m := browser.NewSessionManager()
//	if err := m.Initialize(); err != nil {
//	    return err
//	}
//	defer m.Shutdown()
//
//	s, err := m.StartSession("main", browser.SessionOptions{Headless: true})
//	err = s.Navigate("https://example.com", browser.NavigateOptions{WaitUntil: "load"})
//	snap, err := s.Snapshot(0)
//
// # Bridge
//
// A Bridge installs a small runtime into the page. The runtime allocates
// observation ids and reports DOM mutations and native element events
// through one exposed function. The bridge puts them back into emission
// order per observation and hands them out as mux.Envelope values, so one
// mux.Router can feed typed multiplexers:
//
//	b, err := s.Bridge(nil)
//	mutations := mux.New[browser.MutationSpec, browser.MutationPayload](b.Mutations())
//	router := mux.NewRouter(nil)
//	_ = mux.Route(router, mux.KindMutation, mutations)
//	go router.Run(ctx, b.Events())
//
// # Fingerprints
//
// ComputeFingerprint digests a page's structural skeleton so pages of one
// application can be recognized regardless of their content.
package browser
