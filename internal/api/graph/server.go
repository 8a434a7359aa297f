package graph

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"github.com/lvdashuaibi/rsvpsync/internal/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options HTTP服务的挂载点
type Options struct {
	GinMode       string
	GraphQLPath   string
	WebSocketPath string
	WebSocket     http.Handler
	// Ready 就绪检查，为nil时始终就绪
	Ready func(ctx context.Context) error
}

// GraphQLServer GraphQL服务器
type GraphQLServer struct {
	schema  *graphql.Schema
	handler *relay.Handler
	engine  *gin.Engine
	srv     *http.Server
}

// NewGraphQLServer 创建新的GraphQL服务器
func NewGraphQLServer(resolver *Resolver, opts Options) *GraphQLServer {
	// 解析Schema并创建GraphQL实例
	schema := graphql.MustParseSchema(schemaString, resolver)
	handler := &relay.Handler{Schema: schema}

	if opts.GraphQLPath == "" {
		opts.GraphQLPath = "/graphql"
	}
	if opts.GinMode != "" {
		gin.SetMode(opts.GinMode)
	}

	s := &GraphQLServer{schema: schema, handler: handler}
	s.engine = s.routes(opts)
	// srv在构造时创建，Shutdown可以早于Start调用
	s.srv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *GraphQLServer) routes(opts Options) *gin.Engine {
	r := gin.New()
	r.Use(requestID(), accessLog(), gin.Recovery())

	r.POST(opts.GraphQLPath, gin.WrapH(s.handler))
	r.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(fmt.Sprintf(playgroundHTML, opts.GraphQLPath)))
	})

	if opts.WebSocket != nil && opts.WebSocketPath != "" {
		r.GET(opts.WebSocketPath, gin.WrapH(opts.WebSocket))
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		if opts.Ready != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := opts.Ready(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return r
}

// Handler 路由，测试中直接使用
func (s *GraphQLServer) Handler() http.Handler {
	return s.engine
}

// Start 启动HTTP服务，Shutdown后返回nil
func (s *GraphQLServer) Start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("监听端口 %d 失败: %w", port, err)
	}
	return s.Serve(ln)
}

// Serve 在已有的监听上提供服务，Shutdown后返回nil
func (s *GraphQLServer) Serve(ln net.Listener) error {
	logging.Info().Str("addr", ln.Addr().String()).Msg("HTTP服务已启动")
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭，之后的Start立即返回
func (s *GraphQLServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// playgroundHTML GraphQL Playground页面，%s为API端点
const playgroundHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset=utf-8/>
  <title>RSVP Sync GraphQL Playground</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/css/index.css" />
  <script src="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/js/middleware.js"></script>
</head>
<body>
  <div id="root"></div>
  <script>window.addEventListener('load', function () {
      GraphQLPlayground.init(document.getElementById('root'), { endpoint: '%s' })
    })</script>
</body>
</html>
`
