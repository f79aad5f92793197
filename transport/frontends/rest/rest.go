package rest

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/jrife/grouse/protocol"
	"github.com/jrife/grouse/transport"
	"github.com/jrife/grouse/transport/frontends"
	"github.com/jrife/grouse/utils/log"
	"go.uber.org/zap"
)

var _ frontends.Frontend = (*Frontend)(nil)

// Frontend is an implementation of Frontend for REST. It only
// serves the gateway.
type Frontend struct {
	gateway transport.Gateway
	logger  *zap.Logger
	router  *gin.Engine
	server  *http.Server
}

// Init initializes the frontend
func (frontend *Frontend) Init(options frontends.Options) error {
	if options.Gateway == nil {
		return errors.New("expected a gateway")
	}

	frontend.gateway = options.Gateway
	frontend.logger = log.OrDefault(options.Logger).With(zap.String("frontend", "rest"))

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(frontend.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(frontend.logger, true))

	v1 := router.Group("/v1")
	v1.POST("/deployments", frontend.deploy)
	v1.POST("/process-instances", frontend.createProcessInstance)
	v1.POST("/process-instances/:key/cancel", frontend.cancelProcessInstance)
	v1.GET("/jobs", frontend.listJobs)
	v1.POST("/jobs/:key/complete", frontend.completeJob)
	v1.POST("/jobs/:key/throw-error", frontend.throwError)
	v1.POST("/incidents/:key/resolve", frontend.resolveIncident)
	v1.GET("/topology", frontend.topology)

	frontend.router = router
	frontend.server = &http.Server{Handler: router}

	return nil
}

// Handler returns the frontend's HTTP handler
func (frontend *Frontend) Handler() http.Handler {
	return frontend.router
}

// Listen accepts connections from this listener
func (frontend *Frontend) Listen(listener net.Listener) error {
	frontend.logger.Info("listening", zap.Stringer("address", listener.Addr()))

	if err := frontend.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Stop stops accepting connections from listeners and causes all
// calls to Listen to return
func (frontend *Frontend) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return frontend.server.Shutdown(ctx)
}

func (frontend *Frontend) deploy(c *gin.Context) {
	var request transport.DeployRequest

	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

		return
	}

	response, err := frontend.gateway.Deploy(c.Request.Context(), &request)
	respond(c, http.StatusCreated, response, err)
}

func (frontend *Frontend) createProcessInstance(c *gin.Context) {
	var request transport.CreateProcessInstanceRequest

	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

		return
	}

	response, err := frontend.gateway.CreateProcessInstance(c.Request.Context(), &request)
	respond(c, http.StatusCreated, response, err)
}

func (frontend *Frontend) cancelProcessInstance(c *gin.Context) {
	key, ok := keyParam(c)

	if !ok {
		return
	}

	response, err := frontend.gateway.CancelProcessInstance(c.Request.Context(), &transport.CancelProcessInstanceRequest{ProcessInstanceKey: key})
	respond(c, http.StatusOK, response, err)
}

func (frontend *Frontend) listJobs(c *gin.Context) {
	request := transport.ListJobsRequest{Type: c.Query("type")}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)

		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})

			return
		}

		request.Limit = limit
	}

	response, err := frontend.gateway.ListJobs(c.Request.Context(), &request)
	respond(c, http.StatusOK, response, err)
}

func (frontend *Frontend) completeJob(c *gin.Context) {
	key, ok := keyParam(c)

	if !ok {
		return
	}

	request := transport.CompleteJobRequest{}

	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

			return
		}
	}

	request.JobKey = key

	response, err := frontend.gateway.CompleteJob(c.Request.Context(), &request)
	respond(c, http.StatusOK, response, err)
}

func (frontend *Frontend) throwError(c *gin.Context) {
	key, ok := keyParam(c)

	if !ok {
		return
	}

	var request transport.ThrowErrorRequest

	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

		return
	}

	request.JobKey = key

	response, err := frontend.gateway.ThrowError(c.Request.Context(), &request)
	respond(c, http.StatusOK, response, err)
}

func (frontend *Frontend) resolveIncident(c *gin.Context) {
	key, ok := keyParam(c)

	if !ok {
		return
	}

	response, err := frontend.gateway.ResolveIncident(c.Request.Context(), &transport.ResolveIncidentRequest{IncidentKey: key})
	respond(c, http.StatusOK, response, err)
}

func (frontend *Frontend) topology(c *gin.Context) {
	response, err := frontend.gateway.Topology(c.Request.Context(), &transport.TopologyRequest{})
	respond(c, http.StatusOK, response, err)
}

func keyParam(c *gin.Context) (int64, bool) {
	key, err := strconv.ParseInt(c.Param("key"), 10, 64)

	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key must be an integer"})

		return 0, false
	}

	return key, true
}

func respond(c *gin.Context, code int, response interface{}, err error) {
	if err != nil {
		c.JSON(httpStatus(err), gin.H{"error": err.Error()})

		return
	}

	c.JSON(code, response)
}

func httpStatus(err error) int {
	var rejection *transport.RejectionError

	switch {
	case errors.As(err, &rejection):
		switch rejection.Type {
		case protocol.RejectionNotFound:
			return http.StatusNotFound
		case protocol.RejectionInvalidArgument:
			return http.StatusBadRequest
		case protocol.RejectionInvalidState, protocol.RejectionAlreadyExists:
			return http.StatusConflict
		}
	case errors.Is(err, transport.ErrUnavailable), errors.Is(err, transport.ErrNoPartition):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}

	return http.StatusInternalServerError
}
