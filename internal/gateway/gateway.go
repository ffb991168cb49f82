// Package gateway is the façade in front of the two process-global client
// sessions: it borrows them for single commands, composes the multi-step
// "play radio station by name" orchestration, and reports connection health
// to the HTTP adapter.
package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"nuvogw/internal/errs"
	"nuvogw/internal/mcs"
	"nuvogw/internal/model"
	"nuvogw/internal/mrad"
)

// playbackDeadline bounds the whole playRadioStationByName orchestration.
const playbackDeadline = 45 * time.Second

// ClientHealth reports one client slot's lifecycle state.
type ClientHealth struct {
	Initialized bool
	Connected   bool
}

// Health is the facade-wide connection status surfaced to the HTTP adapter.
type Health struct {
	MRAD ClientHealth
	MCS  ClientHealth
}

// Facade owns the two process-global client slots and the borrow/reconnect
// policy in front of them.
type Facade struct {
	mradMu  sync.Mutex
	mrad    *mrad.Client
	mradSet bool

	mcsMu  sync.Mutex
	mcsC   *mcs.Client
	mcsSet bool
}

// New returns an empty Facade. Call SetMRAD/SetMCS during startup once each
// client has completed its initial connect.
func New() *Facade {
	return &Facade{}
}

// SetMRAD installs the process-global MRAD client.
func (f *Facade) SetMRAD(c *mrad.Client) {
	f.mradMu.Lock()
	defer f.mradMu.Unlock()
	f.mrad = c
	f.mradSet = true
}

// SetMCS installs the process-global MCS client.
func (f *Facade) SetMCS(c *mcs.Client) {
	f.mcsMu.Lock()
	defer f.mcsMu.Unlock()
	f.mcsC = c
	f.mcsSet = true
}

// Health reports the current slot states without borrowing either client.
func (f *Facade) Health() Health {
	f.mradMu.Lock()
	mradHealth := ClientHealth{Initialized: f.mradSet}
	if f.mrad != nil {
		mradHealth.Connected = f.mrad.Connected()
	}
	f.mradMu.Unlock()

	f.mcsMu.Lock()
	mcsHealth := ClientHealth{Initialized: f.mcsSet}
	if f.mcsC != nil {
		mcsHealth.Connected = f.mcsC.Connected()
	}
	f.mcsMu.Unlock()

	return Health{MRAD: mradHealth, MCS: mcsHealth}
}

// borrowMRAD returns the MRAD client, attempting exactly one reconnect if
// it's currently down. A failed reconnect surfaces as Unavailable rather
// than the underlying connection error.
func (f *Facade) borrowMRAD(ctx context.Context) (*mrad.Client, error) {
	f.mradMu.Lock()
	defer f.mradMu.Unlock()
	if f.mrad == nil {
		return nil, errs.New(errs.Unavailable, "gateway.borrowMRAD", "MRAD client not initialized")
	}
	if f.mrad.Connected() {
		return f.mrad, nil
	}
	if err := f.mrad.Reconnect(ctx); err != nil {
		return nil, errs.Wrap(errs.Unavailable, "gateway.borrowMRAD", "reconnect failed", err)
	}
	return f.mrad, nil
}

// borrowMCS returns the MCS client, attempting exactly one reconnect if it's
// currently down.
func (f *Facade) borrowMCS(ctx context.Context) (*mcs.Client, error) {
	f.mcsMu.Lock()
	defer f.mcsMu.Unlock()
	if f.mcsC == nil {
		return nil, errs.New(errs.Unavailable, "gateway.borrowMCS", "MCS client not initialized")
	}
	if f.mcsC.Connected() {
		return f.mcsC, nil
	}
	if err := f.mcsC.Connect(ctx); err != nil {
		return nil, errs.Wrap(errs.Unavailable, "gateway.borrowMCS", "reconnect failed", err)
	}
	return f.mcsC, nil
}

// --- Zone/source operations (thin pass-throughs over a borrowed MRAD client) ---

func (f *Facade) ListZones(ctx context.Context) ([]model.Zone, error) {
	c, err := f.borrowMRAD(ctx)
	if err != nil {
		return nil, err
	}
	return c.BrowseZones(ctx)
}

func (f *Facade) GetZone(ctx context.Context, n int) (model.Zone, error) {
	zones, err := f.ListZones(ctx)
	if err != nil {
		return model.Zone{}, err
	}
	for _, z := range zones {
		if z.Number == n {
			return z, nil
		}
	}
	return model.Zone{}, errs.New(errs.NotFound, "gateway.GetZone", "zone not found")
}

func (f *Facade) Power(ctx context.Context, n int, on bool) error {
	c, err := f.borrowMRAD(ctx)
	if err != nil {
		return err
	}
	return c.Power(ctx, n, on)
}

func (f *Facade) SetVolume(ctx context.Context, n, v int) error {
	c, err := f.borrowMRAD(ctx)
	if err != nil {
		return err
	}
	return c.Volume(ctx, n, v)
}

func (f *Facade) ToggleMute(ctx context.Context, n int) error {
	c, err := f.borrowMRAD(ctx)
	if err != nil {
		return err
	}
	return c.ToggleMute(ctx, n)
}

// SetSource selects sourceGUID as zone n's input. The wire command addresses
// a zone by GUID, not number, so this resolves n via the zone list first.
func (f *Facade) SetSource(ctx context.Context, n int, sourceGUID string) error {
	zone, err := f.GetZone(ctx, n)
	if err != nil {
		return err
	}
	c, err := f.borrowMRAD(ctx)
	if err != nil {
		return err
	}
	if err := c.SetZone(ctx, zone.GUID); err != nil {
		return err
	}
	return c.SetSource(ctx, sourceGUID)
}

func (f *Facade) ListSources(ctx context.Context) ([]model.Source, error) {
	c, err := f.borrowMRAD(ctx)
	if err != nil {
		return nil, err
	}
	return c.BrowseSources(ctx)
}

func (f *Facade) GetStatus(ctx context.Context) (model.SystemStatus, error) {
	c, err := f.borrowMRAD(ctx)
	if err != nil {
		return model.SystemStatus{}, err
	}
	return c.GetStatus(ctx)
}

func (f *Facade) TogglePartyMode(ctx context.Context) error {
	c, err := f.borrowMRAD(ctx)
	if err != nil {
		return err
	}
	return c.TogglePartyMode(ctx)
}

func (f *Facade) AllOff(ctx context.Context) error {
	c, err := f.borrowMRAD(ctx)
	if err != nil {
		return err
	}
	return c.AllOff(ctx)
}

// --- MCS pass-throughs ---

func (f *Facade) ListInstances(ctx context.Context) ([]string, error) {
	c, err := f.borrowMCS(ctx)
	if err != nil {
		return nil, err
	}
	return c.BrowseInstances(ctx)
}

func (f *Facade) SetInstance(ctx context.Context, name string) error {
	c, err := f.borrowMCS(ctx)
	if err != nil {
		return err
	}
	return c.SetInstance(ctx, name)
}

func (f *Facade) BrowseRadioStations(ctx context.Context) ([]model.PickListItem, error) {
	c, err := f.borrowMCS(ctx)
	if err != nil {
		return nil, err
	}
	return c.BrowseRadioStations(ctx)
}

// BrowseAlbums returns the album-shape pick list for the selected instance.
func (f *Facade) BrowseAlbums(ctx context.Context) ([]model.PickListItem, error) {
	c, err := f.borrowMCS(ctx)
	if err != nil {
		return nil, err
	}
	return c.BrowseAlbums(ctx)
}

// BrowseArtists returns the artist-shape pick list for the selected instance.
func (f *Facade) BrowseArtists(ctx context.Context) ([]model.PickListItem, error) {
	c, err := f.borrowMCS(ctx)
	if err != nil {
		return nil, err
	}
	return c.BrowseArtists(ctx)
}

// BrowseAlbumTitles returns the title-shape pick list for an album GUID.
func (f *Facade) BrowseAlbumTitles(ctx context.Context, albumGUID string) ([]model.PickListItem, error) {
	c, err := f.borrowMCS(ctx)
	if err != nil {
		return nil, err
	}
	return c.BrowseAlbumTitles(ctx, albumGUID)
}

// BrowseNowPlaying returns the current queue's pick list ("queue" in the
// external browse* operation).
func (f *Facade) BrowseNowPlaying(ctx context.Context) ([]model.PickListItem, error) {
	c, err := f.borrowMCS(ctx)
	if err != nil {
		return nil, err
	}
	return c.BrowseNowPlaying(ctx)
}

func (f *Facade) PlayRadioStation(ctx context.Context, guid string) error {
	c, err := f.borrowMCS(ctx)
	if err != nil {
		return err
	}
	return c.PlayRadioStation(ctx, guid)
}

// PlayAlbum plays an album by GUID on the selected instance.
func (f *Facade) PlayAlbum(ctx context.Context, guid string) error {
	c, err := f.borrowMCS(ctx)
	if err != nil {
		return err
	}
	return c.PlayAlbum(ctx, guid)
}

// PlayArtist plays an artist by GUID on the selected instance.
func (f *Facade) PlayArtist(ctx context.Context, guid string) error {
	c, err := f.borrowMCS(ctx)
	if err != nil {
		return err
	}
	return c.PlayArtist(ctx, guid)
}

// PlayTitle plays a title by GUID on the selected instance.
func (f *Facade) PlayTitle(ctx context.Context, guid string) error {
	c, err := f.borrowMCS(ctx)
	if err != nil {
		return err
	}
	return c.PlayTitle(ctx, guid)
}

// PlayAllMusic starts whole-library playback on the selected instance.
func (f *Facade) PlayAllMusic(ctx context.Context) error {
	c, err := f.borrowMCS(ctx)
	if err != nil {
		return err
	}
	return c.PlayAllMusic(ctx)
}

// JumpToNowPlayingItem moves playback to index in the now-playing queue.
func (f *Facade) JumpToNowPlayingItem(ctx context.Context, index int) error {
	c, err := f.borrowMCS(ctx)
	if err != nil {
		return err
	}
	return c.JumpToNowPlayingItem(ctx, index)
}

// AddToQueue appends guid to the now-playing queue.
func (f *Facade) AddToQueue(ctx context.Context, guid string) error {
	c, err := f.borrowMCS(ctx)
	if err != nil {
		return err
	}
	return c.AddToQueue(ctx, guid)
}

// AddListToQueue appends the entire current pick list to the now-playing queue.
func (f *Facade) AddListToQueue(ctx context.Context) error {
	c, err := f.borrowMCS(ctx)
	if err != nil {
		return err
	}
	return c.AddListToQueue(ctx)
}

// ClearNowPlaying empties the now-playing queue.
func (f *Facade) ClearNowPlaying(ctx context.Context) error {
	c, err := f.borrowMCS(ctx)
	if err != nil {
		return err
	}
	return c.ClearNowPlaying(ctx)
}

// RemoveNowPlayingItem removes index from the now-playing queue.
func (f *Facade) RemoveNowPlayingItem(ctx context.Context, index int) error {
	c, err := f.borrowMCS(ctx)
	if err != nil {
		return err
	}
	return c.RemoveNowPlayingItem(ctx, index)
}

// SavePlaylist saves the current now-playing queue as a playlist named name.
func (f *Facade) SavePlaylist(ctx context.Context, name string) error {
	c, err := f.borrowMCS(ctx)
	if err != nil {
		return err
	}
	return c.SavePlaylist(ctx, name)
}

// --- Orchestration ---

// sourceNameMusicServerPrefix is the source-name prefix PlayRadioStationByName
// resolves against; the first source whose name starts with it (e.g.
// "Music Server A") is used.
const sourceNameMusicServerPrefix = "Music Server"

// radioEntryPointTokens identifies the top-level pick-list item that opens
// the radio browse tree.
var radioEntryPointTokens = []string{"tunein", "radiotime", "radio"}

// PlayRadioStationByName runs the eight-step "play radio in party mode"
// orchestration against the given MCS instance, under an overall 45s
// deadline. On timeout it returns DeadlineExceeded without tearing down
// either underlying session.
func (f *Facade) PlayRadioStationByName(ctx context.Context, stationName, instance string) error {
	const op = "gateway.PlayRadioStationByName"
	ctx, cancel := context.WithTimeout(ctx, playbackDeadline)
	defer cancel()

	mradClient, err := f.borrowMRAD(ctx)
	if err != nil {
		return err
	}
	mcsClient, err := f.borrowMCS(ctx)
	if err != nil {
		return err
	}

	host, err := f.ensureHostZone(ctx, mradClient)
	if err != nil {
		return err
	}

	source, err := findSourceByPrefix(ctx, mradClient, sourceNameMusicServerPrefix)
	if err != nil {
		return err
	}

	if err := mradClient.SetZone(ctx, host.GUID); err != nil {
		return deadlineAware(op, err)
	}
	if err := mradClient.SetSource(ctx, source.GUID); err != nil {
		return deadlineAware(op, err)
	}

	if mcsClient.CurrentInstance() != instance {
		if err := mcsClient.SetInstance(ctx, instance); err != nil {
			return deadlineAware(op, err)
		}
		if err := sleepCtx(ctx, 2*time.Second); err != nil {
			return err
		}
	} else {
		if err := sleepCtx(ctx, 1*time.Second); err != nil {
			return err
		}
	}

	radioIndex, err := findPickListIndex(ctx, func() ([]model.PickListItem, error) {
		return mcsClient.BrowseNowPlaying(ctx)
	}, radioEntryPointTokens, 2)
	if err != nil {
		return deadlineAware(op, err)
	}
	if err := mcsClient.AckPickItem(ctx, radioIndex); err != nil {
		return deadlineAware(op, err)
	}
	if err := sleepCtx(ctx, 2*time.Second); err != nil {
		return err
	}

	stationIndex, err := f.findStationIndex(ctx, mcsClient, stationName)
	if err != nil {
		return deadlineAware(op, err)
	}
	if err := mcsClient.AckPickItem(ctx, stationIndex); err != nil {
		return deadlineAware(op, err)
	}
	return sleepCtx(ctx, 500*time.Millisecond)
}

// ensureHostZone re-reads zone status until a party-mode host is found,
// toggling party mode on first if none is currently host.
func (f *Facade) ensureHostZone(ctx context.Context, c *mrad.Client) (model.Zone, error) {
	zones, err := c.BrowseZones(ctx)
	if err != nil {
		return model.Zone{}, err
	}
	if host, ok := findHost(zones); ok {
		return host, nil
	}

	if err := c.TogglePartyMode(ctx); err != nil {
		return model.Zone{}, err
	}
	if err := sleepCtx(ctx, 500*time.Millisecond); err != nil {
		return model.Zone{}, err
	}

	for attempt := 0; attempt < 3; attempt++ {
		zones, err = c.BrowseZones(ctx)
		if err != nil {
			return model.Zone{}, err
		}
		if host, ok := findHost(zones); ok {
			return host, nil
		}
		if err := sleepCtx(ctx, 500*time.Millisecond); err != nil {
			return model.Zone{}, err
		}
	}
	return model.Zone{}, errs.New(errs.NotFound, "gateway.ensureHostZone", "no zone acquired the Host role after toggling party mode")
}

func findHost(zones []model.Zone) (model.Zone, bool) {
	for _, z := range zones {
		if z.PartyRole == model.PartyHost {
			return z, true
		}
	}
	return model.Zone{}, false
}

func findSourceByPrefix(ctx context.Context, c *mrad.Client, prefix string) (model.Source, error) {
	sources, err := c.BrowseSources(ctx)
	if err != nil {
		return model.Source{}, err
	}
	for _, s := range sources {
		if strings.HasPrefix(s.Name, prefix) {
			return s, nil
		}
	}
	return model.Source{}, errs.New(errs.NotFound, "gateway.findSourceByPrefix", "no source matching "+prefix)
}

// findPickListIndex browses via browseFn and returns the index of the first
// item whose title contains any of tokens (case-insensitive), retrying an
// empty result up to maxRetries times.
func findPickListIndex(ctx context.Context, browseFn func() ([]model.PickListItem, error), tokens []string, maxRetries int) (int, error) {
	var items []model.PickListItem
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		items, err = browseFn()
		if err != nil {
			return 0, err
		}
		if len(items) > 0 {
			break
		}
	}
	for _, item := range items {
		lower := strings.ToLower(item.Title)
		for _, tok := range tokens {
			if strings.Contains(lower, tok) {
				return item.Index, nil
			}
		}
	}
	return 0, errs.New(errs.NotFound, "gateway.findPickListIndex", "no matching pick-list entry")
}

// findStationIndex locates the requested station by name, applying a radio
// filter and re-browsing once if the first pass doesn't contain it.
func (f *Facade) findStationIndex(ctx context.Context, c *mcs.Client, stationName string) (int, error) {
	items, err := c.BrowseRadioStations(ctx)
	if err != nil {
		return 0, err
	}
	if idx, ok := matchStation(items, stationName); ok {
		return idx, nil
	}

	if err := c.SetRadioFilter(ctx, stationName); err != nil {
		return 0, err
	}
	if err := sleepCtx(ctx, 1500*time.Millisecond); err != nil {
		return 0, err
	}

	items, err = c.BrowseRadioStations(ctx)
	if err != nil {
		return 0, err
	}
	if idx, ok := matchStation(items, stationName); ok {
		return idx, nil
	}
	return 0, errs.New(errs.NotFound, "gateway.findStationIndex", "station not found: "+stationName)
}

func matchStation(items []model.PickListItem, name string) (int, bool) {
	lowerName := strings.ToLower(name)
	for _, item := range items {
		if strings.Contains(strings.ToLower(item.Title), lowerName) {
			return item.Index, true
		}
	}
	return 0, false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return errs.Wrap(errs.DeadlineExceeded, "gateway.sleepCtx", "deadline exceeded during orchestration", ctx.Err())
	}
}

// deadlineAware reports any Timeout from an orchestration step as
// DeadlineExceeded under the orchestration's op; a step's own command
// timeout and the expiry of the overall 45s budget both surface this way.
func deadlineAware(op string, err error) error {
	if err == nil {
		return nil
	}
	if errs.KindOf(err) == errs.Timeout {
		return errs.Wrap(errs.DeadlineExceeded, op, "orchestration step timed out", err)
	}
	return err
}

// ValidateStations plays each known station briefly and reports which ones
// the device accepted, without disturbing the caller's own playback beyond
// the probe itself. Grounded on the original service's TuneIn
// validate-stations feature.
func (f *Facade) ValidateStations(ctx context.Context, instance string) (working []model.PickListItem, dead []model.PickListItem, err error) {
	mcsClient, err := f.borrowMCS(ctx)
	if err != nil {
		return nil, nil, err
	}
	if mcsClient.CurrentInstance() != instance {
		if err := mcsClient.SetInstance(ctx, instance); err != nil {
			return nil, nil, err
		}
	}

	stations, err := mcsClient.BrowseRadioStations(ctx)
	if err != nil {
		return nil, nil, err
	}

	for _, station := range stations {
		if err := mcsClient.PlayRadioStation(ctx, station.GUID); err != nil {
			dead = append(dead, station)
			continue
		}
		working = append(working, station)
	}
	return working, dead, nil
}
