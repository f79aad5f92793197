package exporter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/jrife/grouse/protocol"
	"go.uber.org/zap"
)

const defaultHTTPLimit = 1000

// HTTPExporter keeps the newest records in memory and serves them as
// JSON for debugging
type HTTPExporter struct {
	address    string
	limit      int
	mu         sync.Mutex
	window     *recordWindow
	router     *gin.Engine
	server     *http.Server
	logger     *zap.Logger
	controller Controller
}

func newHTTPExporterFromArgs(args map[string]string) (Exporter, error) {
	limit, err := intArg(args, "limit", defaultHTTPLimit)

	if err != nil {
		return nil, err
	}

	return NewHTTPExporter(args["address"], limit), nil
}

// NewHTTPExporter creates an exporter that keeps the newest limit
// records. If address is empty no server is started and records
// are only available through Handler.
func NewHTTPExporter(address string, limit int) *HTTPExporter {
	return &HTTPExporter{address: address, limit: limit, logger: zap.L()}
}

// Open implements Exporter.Open
func (exporter *HTTPExporter) Open(context Context) error {
	exporter.mu.Lock()
	defer exporter.mu.Unlock()

	exporter.logger = context.Logger
	exporter.controller = context.Controller
	exporter.window = newRecordWindow(exporter.limit)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(exporter.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(exporter.logger, true))
	router.GET("/records.json", exporter.getRecords)
	exporter.router = router

	if exporter.address == "" {
		return nil
	}

	listener, err := net.Listen("tcp", exporter.address)

	if err != nil {
		return err
	}

	exporter.server = &http.Server{Handler: router}

	go func(server *http.Server) {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			exporter.logger.Error("debug http server stopped", zap.Error(err))
		}
	}(exporter.server)

	exporter.logger.Info("serving records", zap.String("address", listener.Addr().String()))

	return nil
}

// Export implements Exporter.Export
func (exporter *HTTPExporter) Export(record protocol.Record) error {
	exporter.mu.Lock()
	exporter.window.add(record)
	exporter.mu.Unlock()

	exporter.controller.UpdateLastExportedPosition(record.Position)

	return nil
}

// Records returns the kept records, newest first
func (exporter *HTTPExporter) Records() []protocol.Record {
	exporter.mu.Lock()
	defer exporter.mu.Unlock()

	if exporter.window == nil {
		return nil
	}

	return exporter.window.records()
}

func (exporter *HTTPExporter) getRecords(c *gin.Context) {
	data, err := json.Marshal(exporter.Records())

	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)

		return
	}

	c.Data(http.StatusOK, "application/json", data)
}

// Handler returns the exporter's routes. It is nil before Open.
func (exporter *HTTPExporter) Handler() http.Handler {
	exporter.mu.Lock()
	defer exporter.mu.Unlock()

	return exporter.router
}

// Close implements Exporter.Close
func (exporter *HTTPExporter) Close() error {
	exporter.mu.Lock()
	server := exporter.server
	exporter.server = nil
	exporter.mu.Unlock()

	if server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return server.Shutdown(ctx)
}
