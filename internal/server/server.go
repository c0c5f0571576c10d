package server

import (
	"context"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/ethxnwzng/ClothingImageSearch/internal/clients/detect"
	"github.com/ethxnwzng/ClothingImageSearch/internal/clients/objectstore"
	"github.com/ethxnwzng/ClothingImageSearch/internal/clients/vissearch"
	"github.com/ethxnwzng/ClothingImageSearch/internal/logger"
	"github.com/ethxnwzng/ClothingImageSearch/internal/models"
	"github.com/ethxnwzng/ClothingImageSearch/internal/search"
	"github.com/ethxnwzng/ClothingImageSearch/internal/storage"
)

const productsPerPage = 20

type Server struct {
	cfg      *models.Config
	router   *gin.Engine
	httpSrv  *http.Server
	db       *storage.Storage
	orch     *search.Orchestrator
	objects  *objectstore.Client
	detector *detect.Client
	searcher *vissearch.Client
	log      *logger.Logger
}

func NewServer(cfg *models.Config, db *storage.Storage, orch *search.Orchestrator,
	objects *objectstore.Client, detector *detect.Client, searcher *vissearch.Client,
	log *logger.Logger) *Server {

	r := gin.Default()
	r.MaxMultipartMemory = maxImageSize
	r.LoadHTMLGlob(filepath.Join(cfg.WebDir, "templates", "*.html"))
	r.Static("/static", filepath.Join(cfg.WebDir, "static"))

	s := &Server{
		cfg:      cfg,
		router:   r,
		db:       db,
		orch:     orch,
		objects:  objects,
		detector: detector,
		searcher: searcher,
		log:      log,
	}

	r.GET("/health", s.handleHealth)
	r.GET("/", s.handleIndex)
	r.GET("/search", s.handleSearch)
	r.POST("/search", s.handleSearch)
	r.GET("/results/:session_id", s.handleResults)
	r.GET("/upload", s.handleUploadProduct)
	r.POST("/upload", s.handleUploadProduct)
	r.POST("/upload/bulk", s.handleBulkUpload)
	r.GET("/products", s.handleProductList)
	r.GET("/products/:id", s.handleProductDetail)

	api := r.Group("/api")
	{
		api.POST("/search", s.handleAPISearch)
		api.GET("/test-connection", s.handleAPITestConnection)
		api.POST("/test-connection", s.handleAPITestConnection)
		api.GET("/test-yolo", s.handleAPITestYOLO)
		api.POST("/test-yolo", s.handleAPITestYOLO)
		api.GET("/test-yolo-simple", s.handleAPITestYOLOSimple)
		api.POST("/test-yolo-simple", s.handleAPITestYOLOSimple)
	}

	return s
}

func (s *Server) Start() error {
	s.httpSrv = &http.Server{Addr: s.cfg.ServerAddr, Handler: s.router}
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router exposes the gin engine for handler tests.
func (s *Server) Router() *gin.Engine { return s.router }
