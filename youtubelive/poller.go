// Package youtubelive polls the YouTube Live Streaming API for live chat
// messages and normalizes them into the shared message shape.
//
// YouTube has no push channel for live chat, so the bridge is a
// self-rescheduling poller: each cycle lists new messages from the last
// continuation token, honors the server-suggested polling interval (floored
// to keep quota usage sane), and refreshes the OAuth access token shortly
// before it expires. Refreshed token material is surfaced through a callback
// so the caller can persist it.
package youtubelive

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/irasychan/streamdash/chat"
	"github.com/irasychan/streamdash/telemetry"
)

const (
	defaultMinInterval = 5 * time.Second
	refreshSkew        = 60 * time.Second
	maxResultsPerPoll  = 200

	// seen-id dedup guard against page overlap between polls
	seenCap  = 1000
	seenTrim = 500
)

// TokenUpdate is refreshed OAuth material surfaced for persistence.
type TokenUpdate struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Options configures a Poller. ClientID and ClientSecret are only needed
// when a RefreshToken is present.
type Options struct {
	LiveChatID   string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time

	ClientID     string
	ClientSecret string

	OnMessage      func(chat.ChatMessage)
	OnTokenRefresh func(TokenUpdate)
}

// Poller is one live-chat polling session. Start it once; Disconnect stops
// the loop and suppresses rescheduling.
type Poller struct {
	opts Options

	// overridable in tests
	endpoint    string // YouTube API base URL; empty means production
	tokenURL    string // OAuth token endpoint; empty means Google's
	minInterval time.Duration
	httpClient  *http.Client

	mu        sync.Mutex
	running   bool
	stopped   bool
	timer     *time.Timer
	pageToken string
	access    string
	refresh   string
	expiry    time.Time
	lastErr   error
	seen      map[string]struct{}
	seenOrder []string
}

// New builds a poller; Start begins polling.
func New(opts Options) *Poller {
	return &Poller{
		opts:        opts,
		minInterval: defaultMinInterval,
		access:      opts.AccessToken,
		refresh:     opts.RefreshToken,
		expiry:      opts.Expiry,
		seen:        make(map[string]struct{}),
	}
}

// Start runs the first poll synchronously so callers learn immediately
// whether the chat is reachable, then schedules the loop. Calling Start on
// a stopped or running poller is an error.
func (p *Poller) Start(ctx context.Context) error {
	if p.opts.LiveChatID == "" {
		return fmt.Errorf("youtube live chat: missing live chat id")
	}
	if p.opts.AccessToken == "" {
		return fmt.Errorf("youtube live chat: missing access token")
	}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return fmt.Errorf("youtube live chat: poller already stopped")
	}
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("youtube live chat: poller already running")
	}
	p.running = true
	p.mu.Unlock()

	interval, err := p.poll(ctx)
	if err != nil {
		p.mu.Lock()
		p.running = false
		p.lastErr = err
		p.mu.Unlock()
		return err
	}

	telemetry.SetConnected(string(chat.PlatformYouTube), true)
	p.schedule(interval)
	return nil
}

// Disconnect implements coordinator.Bridge.
func (p *Poller) Disconnect() { p.Stop() }

// Stop stops the polling loop. Idempotent.
func (p *Poller) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.running = false
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()
	telemetry.SetConnected(string(chat.PlatformYouTube), false)
}

// IsRunning reports whether the polling loop is live.
func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// LiveChatID returns the chat this poller follows.
func (p *Poller) LiveChatID() string { return p.opts.LiveChatID }

// Err returns the error that stopped the poller, if any.
func (p *Poller) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Status implements coordinator.Bridge.
func (p *Poller) Status() chat.ConnectionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := chat.ConnectionStatus{
		Platform:  chat.PlatformYouTube,
		Connected: p.running,
		Channel:   p.opts.LiveChatID,
	}
	if p.lastErr != nil {
		st.Error = p.lastErr.Error()
	}
	return st
}

func (p *Poller) schedule(after time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.timer = time.AfterFunc(after, p.tick)
}

func (p *Poller) tick() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	interval, err := p.poll(context.Background())
	if err != nil {
		if cerr, ok := err.(*ChatError); ok && cerr.Fatal() {
			slog.Error("youtube live chat stopped", slog.String("kind", string(cerr.Kind)), slog.Any("err", err))
			p.mu.Lock()
			p.running = false
			p.lastErr = err
			p.mu.Unlock()
			telemetry.SetConnected(string(chat.PlatformYouTube), false)
			return
		}
		slog.Warn("youtube live chat poll failed; retrying", slog.Any("err", err))
		interval = p.minInterval
	}
	p.schedule(interval)
}

// poll runs one list cycle and returns the delay before the next. The
// server-suggested interval is honored but floored at minInterval.
func (p *Poller) poll(ctx context.Context) (time.Duration, error) {
	if err := p.refreshIfNeeded(ctx); err != nil {
		slog.Warn("youtube token refresh failed; continuing with current token", slog.Any("err", err))
	}

	resp, err := p.list(ctx)
	if err != nil && isUnauthorized(err) && p.refresh != "" {
		// One refresh-and-retry on a rejected token. Only a failed refresh
		// is terminal; with fresh credentials in hand a still-failing list
		// call is a transient poll error and the loop keeps going.
		if rerr := p.refreshNow(ctx); rerr != nil {
			return 0, classify(err)
		}
		resp, err = p.list(ctx)
		if err != nil {
			return 0, fmt.Errorf("poll after token refresh: %w", err)
		}
	}
	if err != nil {
		if isInvalidPageToken(err) {
			slog.Warn("youtube continuation token rejected; restarting from head")
			p.mu.Lock()
			p.pageToken = ""
			p.mu.Unlock()
			return p.minInterval, nil
		}
		return 0, classify(err)
	}

	p.mu.Lock()
	p.pageToken = resp.NextPageToken
	p.mu.Unlock()

	for _, item := range resp.Items {
		p.handleItem(item)
	}

	interval := p.minInterval
	if server := time.Duration(resp.PollingIntervalMillis) * time.Millisecond; server > interval {
		interval = server
	}
	return interval, nil
}

func (p *Poller) list(ctx context.Context) (*yt.LiveChatMessageListResponse, error) {
	p.mu.Lock()
	access := p.access
	pageToken := p.pageToken
	p.mu.Unlock()

	client := p.httpClient
	if client == nil {
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: access}))
	}
	svcOpts := []option.ClientOption{option.WithHTTPClient(client)}
	if p.endpoint != "" {
		svcOpts = append(svcOpts, option.WithEndpoint(p.endpoint))
	}
	svc, err := yt.NewService(ctx, svcOpts...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}

	call := svc.LiveChatMessages.List(p.opts.LiveChatID, []string{"snippet", "authorDetails"}).
		MaxResults(maxResultsPerPoll).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	return call.Do()
}

func (p *Poller) handleItem(item *yt.LiveChatMessage) {
	if item == nil || item.Id == "" {
		return
	}
	p.mu.Lock()
	if _, dup := p.seen[item.Id]; dup {
		p.mu.Unlock()
		return
	}
	p.seen[item.Id] = struct{}{}
	p.seenOrder = append(p.seenOrder, item.Id)
	if len(p.seenOrder) > seenCap {
		for _, old := range p.seenOrder[:len(p.seenOrder)-seenTrim] {
			delete(p.seen, old)
		}
		p.seenOrder = append(p.seenOrder[:0], p.seenOrder[len(p.seenOrder)-seenTrim:]...)
	}
	p.mu.Unlock()

	msg, err := normalize(item)
	if err != nil {
		slog.Warn("dropping unparsable youtube message", slog.Any("err", err))
		telemetry.CountDropped(string(chat.PlatformYouTube))
		return
	}
	telemetry.CountReceived(string(chat.PlatformYouTube))
	if p.opts.OnMessage != nil {
		p.opts.OnMessage(msg)
	}
}

// normalize converts one API item into the shared message shape.
func normalize(item *yt.LiveChatMessage) (chat.ChatMessage, error) {
	if item.Snippet == nil || item.AuthorDetails == nil {
		return chat.ChatMessage{}, fmt.Errorf("item %s missing snippet or author", item.Id)
	}
	ts := time.Now().UnixMilli()
	if item.Snippet.PublishedAt != "" {
		if parsed, err := time.Parse(time.RFC3339, item.Snippet.PublishedAt); err == nil {
			ts = parsed.UnixMilli()
		}
	}
	author := item.AuthorDetails
	msg := chat.ChatMessage{
		ID:        "youtube-" + item.Id,
		Platform:  chat.PlatformYouTube,
		Timestamp: ts,
		Author: chat.ChatAuthor{
			ID:          author.ChannelId,
			Name:        author.DisplayName,
			DisplayName: author.DisplayName,
			Avatar:      author.ProfileImageUrl,
			Color:       chat.UsernameColor(author.DisplayName),
		},
		Content:      item.Snippet.DisplayMessage,
		IsModerator:  author.IsChatModerator || author.IsChatOwner,
		IsSubscriber: author.IsChatSponsor,
	}
	if err := msg.Validate(); err != nil {
		return chat.ChatMessage{}, err
	}
	return msg, nil
}

// refreshIfNeeded refreshes the access token when it is close to expiring.
// Missing expiry or refresh material means nothing to do.
func (p *Poller) refreshIfNeeded(ctx context.Context) error {
	p.mu.Lock()
	needs := p.refresh != "" && !p.expiry.IsZero() && time.Until(p.expiry) < refreshSkew
	p.mu.Unlock()
	if !needs {
		return nil
	}
	return p.refreshNow(ctx)
}

// refreshNow exchanges the refresh token for a fresh access token and
// surfaces the new material through the callback.
func (p *Poller) refreshNow(ctx context.Context) error {
	p.mu.Lock()
	refresh := p.refresh
	p.mu.Unlock()
	if refresh == "" {
		return fmt.Errorf("no refresh token available")
	}

	cfg := &oauth2.Config{
		ClientID:     p.opts.ClientID,
		ClientSecret: p.opts.ClientSecret,
		Endpoint:     google.Endpoint,
	}
	if p.tokenURL != "" {
		cfg.Endpoint = oauth2.Endpoint{TokenURL: p.tokenURL}
	}
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh}).Token()
	if err != nil {
		return fmt.Errorf("refresh access token: %w", err)
	}

	p.mu.Lock()
	p.access = tok.AccessToken
	if tok.RefreshToken != "" {
		p.refresh = tok.RefreshToken
	}
	p.expiry = tok.Expiry
	upd := TokenUpdate{AccessToken: p.access, RefreshToken: p.refresh, Expiry: p.expiry}
	p.mu.Unlock()

	if telemetry.TokenRefreshes != nil {
		telemetry.TokenRefreshes.Inc()
	}
	slog.Info("youtube access token refreshed", slog.Time("expiry", upd.Expiry))
	if p.opts.OnTokenRefresh != nil {
		p.opts.OnTokenRefresh(upd)
	}
	return nil
}
