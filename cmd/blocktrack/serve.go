package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/prodline/blocktrack/internal/config"
	"github.com/prodline/blocktrack/internal/peer"
	"github.com/prodline/blocktrack/internal/store"
	"github.com/prodline/blocktrack/internal/store/relational"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run the remote peer that clients sync with",
	Long: `Serve the sync endpoint and a read/import API over the peer database.

Endpoints:
  POST /sync                  sync exchange (X-Blocktrack-Protocol v1)
  GET  /health                liveness
  GET  /ws                    websocket feed of applied exchanges
  GET  /api/v1/blocks         blocks with derived status (?operator=)
  GET  /api/v1/blocks/{id}    one block
  GET  /api/v1/stats          operation stats (?start=&end=)
  POST /api/v1/import         all-or-nothing import (X-Operator header)

The backend is server.driver: sqlite (server.dsn is a file path, default
database.path), postgres or mysql (server.dsn is the connection string).
When server.token is set, /sync and /api/v1 require it as a bearer token.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		if addr != "" {
			cfg.Server.Addr = addr
		}

		st, err := openPeerStore()
		if err != nil {
			return err
		}
		defer st.Close()

		catalog, err := cfg.LoadCatalog()
		if err != nil {
			return err
		}

		hub := peer.NewHub(logger.Named("feed"))
		svc := peer.NewService(st, catalog,
			peer.WithLogger(logger.Named("peer")),
			peer.WithHub(hub),
		)
		srv := peer.NewServer(svc, hub, peer.ServerConfig{
			Addr:   cfg.Server.Addr,
			Token:  cfg.Server.Token,
			Logger: logger.Named("http"),
		})

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		p := printer(cmd)
		p.Println(fmt.Sprintf("Peer listening on %s (%s backend)", cfg.Server.Addr, cfg.Server.Driver))
		p.Println("Press Ctrl+C to stop...")
		return srv.ListenAndServe(ctx)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}

func openPeerStore() (store.Store, error) {
	switch cfg.Server.Driver {
	case config.DriverPostgres, config.DriverMySQL:
		st, err := relational.Open(cfg.Server.Driver, cfg.Server.DSN,
			relational.WithLogger(logger.Named("store")))
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		path := cfg.Server.DSN
		if path == "" {
			path = cfg.Database.Path
		}
		_, st, err := openSQLite(path)
		if err != nil {
			return nil, err
		}
		logger.Info("peer using sqlite backend", zap.String("path", st.Path()))
		return st, nil
	}
}
