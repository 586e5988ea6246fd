package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/urfave/cli/v3"

	"tai-desktop/internal/api"
	"tai-desktop/internal/config"
	"tai-desktop/internal/crypto"
	"tai-desktop/internal/database"
	"tai-desktop/internal/session"
)

// connection is what a command needs to reach the server
type connection struct {
	cfg     *config.Config
	baseURL string
	token   string
	store   *database.Store
}

// connect resolves the server from --url/TAI_API_URL, falling back to a saved profile
func connect(cmd *cli.Command) (*connection, error) {
	cfg, err := config.Load(cmd.String("env"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	conn := &connection{
		cfg:     cfg,
		baseURL: firstNonEmpty(cmd.String("url"), cfg.APIURL),
		token:   firstNonEmpty(cmd.String("token"), cfg.APIToken),
	}

	if conn.baseURL != "" {
		return conn, nil
	}
	profile := firstNonEmpty(cmd.String("profile"), cfg.Profile)
	if profile == "" {
		return nil, fmt.Errorf("no server configured: set --url or TAI_API_URL, or --profile")
	}

	sealer, err := crypto.Load()
	if err != nil {
		return nil, err
	}
	db, err := database.Init(cfg.Database, cfg.Debug())
	if err != nil {
		return nil, err
	}
	conn.store = database.NewStore(db, sealer)

	saved, token, err := conn.store.Profile(profile)
	if err != nil {
		return nil, err
	}
	conn.baseURL = saved.BaseURL
	conn.token = firstNonEmpty(conn.token, token)
	return conn, nil
}

func (c *connection) session(emitter session.Emitter) *session.Session {
	var cache session.Cache
	if c.store != nil {
		cache = c.store
	}
	return session.New(session.Options{
		BaseURL: c.baseURL,
		Token:   c.token,
		HTTP: api.Options{
			Timeout:        c.cfg.HTTPTimeout,
			RetryCount:     api.DefaultOptions().RetryCount,
			RateLimitRPS:   c.cfg.RateLimitRPS,
			RateLimitBurst: c.cfg.RateLimitBurst,
		},
		PollInterval: c.cfg.PollInterval,
		Backoff:      c.cfg.ReconnectBackoff,
		ReportModes:  session.ReportModes(c.cfg.ReviewMode, c.cfg.StructuredDataMode),
	}, cache, emitter)
}

func (c *connection) close() {
	if c.store != nil {
		database.Close()
	}
}

// openSession connects and loads the first job snapshot
func openSession(ctx context.Context, cmd *cli.Command) (*session.Session, func(), error) {
	conn, err := connect(cmd)
	if err != nil {
		return nil, nil, err
	}
	s := conn.session(nil)
	cleanup := func() {
		s.Close()
		conn.close()
	}
	if _, err := s.Jobs().ListJobs(ctx); err != nil {
		cleanup()
		return nil, nil, err
	}
	return s, cleanup, nil
}

func parseID(arg string) (int64, error) {
	if arg == "" {
		return 0, fmt.Errorf("an id argument is required")
	}
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
