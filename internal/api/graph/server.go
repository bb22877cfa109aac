package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"github.com/lvdashuaibi/bookround/internal/service"
)

// UserHeader 调用方身份，由前置网关写入
const UserHeader = "X-User-ID"

// GraphQLServer GraphQL服务器，由gin承载
type GraphQLServer struct {
	schema     *graphql.Schema
	handler    *relay.Handler
	resolver   *Resolver
	router     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger
}

// NewGraphQLServer 创建新的GraphQL服务器
func NewGraphQLServer(
	path string,
	polls *service.PollService,
	discussions *service.DiscussionService,
	rounds *service.RoundManager,
	logger *slog.Logger,
) *GraphQLServer {
	logger = service.ResolveLogger(logger)
	resolver := NewResolver(polls, discussions, rounds)

	schema := graphql.MustParseSchema(schemaString, resolver)
	handler := &relay.Handler{Schema: schema}

	s := &GraphQLServer{
		schema:   schema,
		handler:  handler,
		resolver: resolver,
		logger:   logger,
	}
	s.router = s.routes(path)
	return s
}

func (s *GraphQLServer) routes(path string) *gin.Engine {
	if path == "" {
		path = "/graphql"
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	graphqlHandler := func(c *gin.Context) {
		ctx := withUser(c.Request.Context(), c.GetHeader(UserHeader))
		s.handler.ServeHTTP(c.Writer, c.Request.WithContext(ctx))
	}
	r.POST(path, graphqlHandler)

	// GraphQL Playground
	r.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(fmt.Sprintf(playgroundHTML, path)))
	})
	return r
}

func (s *GraphQLServer) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// Handler 返回路由，测试使用
func (s *GraphQLServer) Handler() http.Handler {
	return s.router
}

// Start 启动GraphQL服务器，Shutdown后返回nil
func (s *GraphQLServer) Start(port int) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("GraphQL服务已启动", "addr", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭
func (s *GraphQLServer) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type userKey struct{}

func withUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

func userFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userKey{}).(string)
	return userID
}

// playgroundHTML GraphQL Playground HTML
const playgroundHTML = `
<!DOCTYPE html>
<html>
<head>
  <meta charset=utf-8/>
  <title>Book Round GraphQL Playground</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/css/index.css" />
  <script src="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/js/middleware.js"></script>
</head>
<body>
  <div id="root"></div>
  <script>window.addEventListener('load', function (event) {
      GraphQLPlayground.init(document.getElementById('root'), {
        endpoint: '%s'
      })
    })</script>
</body>
</html>
`
