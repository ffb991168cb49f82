// Package httpapi is the thin HTTP adapter in front of the gateway façade:
// it maps the external operation table to REST routes and translates error
// kinds into HTTP status codes. Business logic lives in internal/gateway;
// this package only marshals requests and responses.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"nuvogw/internal/broadcast"
	"nuvogw/internal/discovery"
	"nuvogw/internal/errs"
	"nuvogw/internal/gateway"
)

// Server is the Echo application exposing the gateway's operations.
type Server struct {
	echo      *echo.Echo
	facade    *gateway.Facade
	bcast     *broadcast.Broadcaster
	discovery *discovery.Scanner
}

// New constructs an Echo app with REST routes and (if bcast is non-nil) the
// push-event websocket route.
func New(facade *gateway.Facade, bcast *broadcast.Broadcaster, scanner *discovery.Scanner) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, facade: facade, bcast: bcast, discovery: scanner}
	s.registerRoutes()
	return s
}

// requestLogger returns Echo middleware that logs each HTTP request via slog.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path
			if path == "/events" || path == "/health" {
				slog.Debug("http request", "method", req.Method, "path", path, "status", c.Response().Status, "duration_ms", time.Since(start).Milliseconds())
			} else {
				slog.Info("http request", "method", req.Method, "path", path, "status", c.Response().Status, "duration_ms", time.Since(start).Milliseconds(), "remote", c.RealIP())
			}
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	s.echo.GET("/zones", s.handleListZones)
	s.echo.GET("/zones/:n", s.handleGetZone)
	s.echo.POST("/zones/:n/power", s.handlePower)
	s.echo.POST("/zones/:n/volume", s.handleSetVolume)
	s.echo.POST("/zones/:n/mute/toggle", s.handleToggleMute)
	s.echo.POST("/zones/:n/source", s.handleSetSource)

	s.echo.GET("/sources", s.handleListSources)
	s.echo.GET("/status", s.handleGetStatus)
	s.echo.POST("/party-mode/toggle", s.handleTogglePartyMode)
	s.echo.POST("/all-off", s.handleAllOff)

	s.echo.GET("/instances", s.handleListInstances)
	s.echo.POST("/instance", s.handleSetInstance)
	s.echo.GET("/browse/radio-stations", s.handleBrowseRadioStations)
	s.echo.GET("/browse/albums", s.handleBrowseAlbums)
	s.echo.GET("/browse/artists", s.handleBrowseArtists)
	s.echo.GET("/browse/albums/:guid/titles", s.handleBrowseAlbumTitles)
	s.echo.GET("/browse/queue", s.handleBrowseNowPlaying)
	s.echo.POST("/play/radio-station", s.handlePlayRadioStation)
	s.echo.POST("/play/radio-station-by-name", s.handlePlayRadioStationByName)
	s.echo.POST("/play/album", s.handlePlayAlbum)
	s.echo.POST("/play/artist", s.handlePlayArtist)
	s.echo.POST("/play/title", s.handlePlayTitle)
	s.echo.POST("/play/all-music", s.handlePlayAllMusic)
	s.echo.POST("/tunein/validate-stations", s.handleValidateStations)

	s.echo.POST("/queue/jump", s.handleJumpToNowPlayingItem)
	s.echo.POST("/queue/add", s.handleAddToQueue)
	s.echo.POST("/queue/add-list", s.handleAddListToQueue)
	s.echo.POST("/queue/clear", s.handleClearNowPlaying)
	s.echo.POST("/queue/remove", s.handleRemoveNowPlayingItem)
	s.echo.POST("/queue/save-playlist", s.handleSavePlaylist)

	if s.discovery != nil {
		s.echo.GET("/discover", s.handleDiscover)
	}
	if s.bcast != nil {
		s.bcast.Register(s.echo)
	}
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("http server stopped")
		return nil
	}
}

// httpStatusFor maps the gateway's error taxonomy onto HTTP status codes.
func httpStatusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.Unavailable:
		return http.StatusServiceUnavailable
	case errs.Timeout:
		return http.StatusGatewayTimeout
	case errs.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case errs.Framing:
		return http.StatusInternalServerError
	case errs.NotFound:
		return http.StatusNotFound
	case errs.InvalidArgument:
		return http.StatusUnprocessableEntity
	case errs.Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondErr(c echo.Context, err error) error {
	return c.JSON(httpStatusFor(err), echo.Map{"error": err.Error()})
}

func parseZoneNumber(c echo.Context) (int, error) {
	n, err := strconv.Atoi(c.Param("n"))
	if err != nil {
		return 0, errs.New(errs.InvalidArgument, "httpapi.parseZoneNumber", "zone number must be an integer")
	}
	return n, nil
}

type healthResponse struct {
	MRADInitialized bool `json:"mrad_initialized"`
	MRADConnected   bool `json:"mrad_connected"`
	MCSInitialized  bool `json:"mcs_initialized"`
	MCSConnected    bool `json:"mcs_connected"`
}

func (s *Server) handleHealth(c echo.Context) error {
	h := s.facade.Health()
	return c.JSON(http.StatusOK, healthResponse{
		MRADInitialized: h.MRAD.Initialized,
		MRADConnected:   h.MRAD.Connected,
		MCSInitialized:  h.MCS.Initialized,
		MCSConnected:    h.MCS.Connected,
	})
}

func (s *Server) handleListZones(c echo.Context) error {
	zones, err := s.facade.ListZones(c.Request().Context())
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, zones)
}

func (s *Server) handleGetZone(c echo.Context) error {
	n, err := parseZoneNumber(c)
	if err != nil {
		return respondErr(c, err)
	}
	zone, err := s.facade.GetZone(c.Request().Context(), n)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, zone)
}

type powerRequest struct {
	On bool `json:"on"`
}

func (s *Server) handlePower(c echo.Context) error {
	n, err := parseZoneNumber(c)
	if err != nil {
		return respondErr(c, err)
	}
	var req powerRequest
	if err := c.Bind(&req); err != nil {
		return respondErr(c, errs.Wrap(errs.InvalidArgument, "httpapi.handlePower", "invalid body", err))
	}
	if err := s.facade.Power(c.Request().Context(), n, req.On); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type volumeRequest struct {
	V int `json:"v"`
}

func (s *Server) handleSetVolume(c echo.Context) error {
	n, err := parseZoneNumber(c)
	if err != nil {
		return respondErr(c, err)
	}
	var req volumeRequest
	if err := c.Bind(&req); err != nil {
		return respondErr(c, errs.Wrap(errs.InvalidArgument, "httpapi.handleSetVolume", "invalid body", err))
	}
	if err := s.facade.SetVolume(c.Request().Context(), n, req.V); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleToggleMute(c echo.Context) error {
	n, err := parseZoneNumber(c)
	if err != nil {
		return respondErr(c, err)
	}
	if err := s.facade.ToggleMute(c.Request().Context(), n); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type setSourceRequest struct {
	SourceGUID string `json:"sourceGuid"`
}

func (s *Server) handleSetSource(c echo.Context) error {
	n, err := parseZoneNumber(c)
	if err != nil {
		return respondErr(c, err)
	}
	var req setSourceRequest
	if err := c.Bind(&req); err != nil {
		return respondErr(c, errs.Wrap(errs.InvalidArgument, "httpapi.handleSetSource", "invalid body", err))
	}
	if err := s.facade.SetSource(c.Request().Context(), n, req.SourceGUID); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListSources(c echo.Context) error {
	sources, err := s.facade.ListSources(c.Request().Context())
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, sources)
}

func (s *Server) handleGetStatus(c echo.Context) error {
	status, err := s.facade.GetStatus(c.Request().Context())
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) handleTogglePartyMode(c echo.Context) error {
	if err := s.facade.TogglePartyMode(c.Request().Context()); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleAllOff(c echo.Context) error {
	if err := s.facade.AllOff(c.Request().Context()); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListInstances(c echo.Context) error {
	names, err := s.facade.ListInstances(c.Request().Context())
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, names)
}

type setInstanceRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleSetInstance(c echo.Context) error {
	var req setInstanceRequest
	if err := c.Bind(&req); err != nil {
		return respondErr(c, errs.Wrap(errs.InvalidArgument, "httpapi.handleSetInstance", "invalid body", err))
	}
	if err := s.facade.SetInstance(c.Request().Context(), req.Name); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleBrowseRadioStations(c echo.Context) error {
	items, err := s.facade.BrowseRadioStations(c.Request().Context())
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, items)
}

func (s *Server) handleBrowseAlbums(c echo.Context) error {
	items, err := s.facade.BrowseAlbums(c.Request().Context())
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, items)
}

func (s *Server) handleBrowseArtists(c echo.Context) error {
	items, err := s.facade.BrowseArtists(c.Request().Context())
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, items)
}

func (s *Server) handleBrowseAlbumTitles(c echo.Context) error {
	items, err := s.facade.BrowseAlbumTitles(c.Request().Context(), c.Param("guid"))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, items)
}

func (s *Server) handleBrowseNowPlaying(c echo.Context) error {
	items, err := s.facade.BrowseNowPlaying(c.Request().Context())
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, items)
}

type playRadioStationRequest struct {
	GUID string `json:"guid"`
}

func (s *Server) handlePlayRadioStation(c echo.Context) error {
	var req playRadioStationRequest
	if err := c.Bind(&req); err != nil {
		return respondErr(c, errs.Wrap(errs.InvalidArgument, "httpapi.handlePlayRadioStation", "invalid body", err))
	}
	if err := s.facade.PlayRadioStation(c.Request().Context(), req.GUID); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type playByGUIDRequest struct {
	GUID string `json:"guid"`
}

func (s *Server) handlePlayAlbum(c echo.Context) error {
	var req playByGUIDRequest
	if err := c.Bind(&req); err != nil {
		return respondErr(c, errs.Wrap(errs.InvalidArgument, "httpapi.handlePlayAlbum", "invalid body", err))
	}
	if err := s.facade.PlayAlbum(c.Request().Context(), req.GUID); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handlePlayArtist(c echo.Context) error {
	var req playByGUIDRequest
	if err := c.Bind(&req); err != nil {
		return respondErr(c, errs.Wrap(errs.InvalidArgument, "httpapi.handlePlayArtist", "invalid body", err))
	}
	if err := s.facade.PlayArtist(c.Request().Context(), req.GUID); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handlePlayTitle(c echo.Context) error {
	var req playByGUIDRequest
	if err := c.Bind(&req); err != nil {
		return respondErr(c, errs.Wrap(errs.InvalidArgument, "httpapi.handlePlayTitle", "invalid body", err))
	}
	if err := s.facade.PlayTitle(c.Request().Context(), req.GUID); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handlePlayAllMusic(c echo.Context) error {
	if err := s.facade.PlayAllMusic(c.Request().Context()); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type playRadioStationByNameRequest struct {
	Name     string `json:"name"`
	Instance string `json:"instance"`
}

func (s *Server) handlePlayRadioStationByName(c echo.Context) error {
	var req playRadioStationByNameRequest
	if err := c.Bind(&req); err != nil {
		return respondErr(c, errs.Wrap(errs.InvalidArgument, "httpapi.handlePlayRadioStationByName", "invalid body", err))
	}
	if err := s.facade.PlayRadioStationByName(c.Request().Context(), req.Name, req.Instance); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type validateStationsRequest struct {
	Instance string `json:"instance"`
}

type validateStationsResponse struct {
	Working []string `json:"working"`
	Dead    []string `json:"dead"`
}

func (s *Server) handleValidateStations(c echo.Context) error {
	var req validateStationsRequest
	if err := c.Bind(&req); err != nil {
		return respondErr(c, errs.Wrap(errs.InvalidArgument, "httpapi.handleValidateStations", "invalid body", err))
	}
	working, dead, err := s.facade.ValidateStations(c.Request().Context(), req.Instance)
	if err != nil {
		return respondErr(c, err)
	}
	resp := validateStationsResponse{Working: []string{}, Dead: []string{}}
	for _, item := range working {
		resp.Working = append(resp.Working, item.Title)
	}
	for _, item := range dead {
		resp.Dead = append(resp.Dead, item.Title)
	}
	return c.JSON(http.StatusOK, resp)
}

type queueIndexRequest struct {
	Index int `json:"index"`
}

func (s *Server) handleJumpToNowPlayingItem(c echo.Context) error {
	var req queueIndexRequest
	if err := c.Bind(&req); err != nil {
		return respondErr(c, errs.Wrap(errs.InvalidArgument, "httpapi.handleJumpToNowPlayingItem", "invalid body", err))
	}
	if err := s.facade.JumpToNowPlayingItem(c.Request().Context(), req.Index); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type queueGUIDRequest struct {
	GUID string `json:"guid"`
}

func (s *Server) handleAddToQueue(c echo.Context) error {
	var req queueGUIDRequest
	if err := c.Bind(&req); err != nil {
		return respondErr(c, errs.Wrap(errs.InvalidArgument, "httpapi.handleAddToQueue", "invalid body", err))
	}
	if err := s.facade.AddToQueue(c.Request().Context(), req.GUID); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleAddListToQueue(c echo.Context) error {
	if err := s.facade.AddListToQueue(c.Request().Context()); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleClearNowPlaying(c echo.Context) error {
	if err := s.facade.ClearNowPlaying(c.Request().Context()); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleRemoveNowPlayingItem(c echo.Context) error {
	var req queueIndexRequest
	if err := c.Bind(&req); err != nil {
		return respondErr(c, errs.Wrap(errs.InvalidArgument, "httpapi.handleRemoveNowPlayingItem", "invalid body", err))
	}
	if err := s.facade.RemoveNowPlayingItem(c.Request().Context(), req.Index); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type savePlaylistRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleSavePlaylist(c echo.Context) error {
	var req savePlaylistRequest
	if err := c.Bind(&req); err != nil {
		return respondErr(c, errs.Wrap(errs.InvalidArgument, "httpapi.handleSavePlaylist", "invalid body", err))
	}
	if err := s.facade.SavePlaylist(c.Request().Context(), req.Name); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleDiscover(c echo.Context) error {
	cidr := c.QueryParam("cidr")
	if cidr == "" {
		guessed, err := discovery.DetectLocalNetwork()
		if err != nil {
			return respondErr(c, errs.Wrap(errs.InvalidArgument, "httpapi.handleDiscover", "cidr is required and could not be auto-detected", err))
		}
		cidr = guessed
	}
	devices, err := s.discovery.Scan(c.Request().Context(), cidr)
	if err != nil {
		return respondErr(c, errs.Wrap(errs.InvalidArgument, "httpapi.handleDiscover", "invalid cidr", err))
	}
	return c.JSON(http.StatusOK, devices)
}
