package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ethxnwzng/ClothingImageSearch/internal/clients/detect"
	"github.com/ethxnwzng/ClothingImageSearch/internal/models"
	"github.com/ethxnwzng/ClothingImageSearch/internal/search"
	"github.com/ethxnwzng/ClothingImageSearch/internal/storage"
	"github.com/ethxnwzng/ClothingImageSearch/internal/thumbs"
)

func (s *Server) handleIndex(c *gin.Context) {
	c.HTML(http.StatusOK, "index.html", gin.H{})
}

func (s *Server) handleSearch(c *gin.Context) {
	if c.Request.Method == http.MethodGet {
		c.HTML(http.StatusOK, "search.html", gin.H{"Error": c.Query("error")})
		return
	}

	selectedItem := c.PostForm("selected_item")
	selectedCategory := c.PostForm("selected_category")
	if selectedItem != "" || selectedCategory != "" {
		s.refineSubmission(c, selectedItem, selectedCategory)
		return
	}
	s.initialSubmission(c)
}

func (s *Server) initialSubmission(c *gin.Context) {
	fh, err := c.FormFile("image")
	if err != nil {
		c.HTML(http.StatusOK, "search.html", gin.H{"Error": "Please select an image to search."})
		return
	}
	if err := validateImageUpload(fh); err != nil {
		c.HTML(http.StatusOK, "search.html", gin.H{"Error": err.Error()})
		return
	}

	f, err := fh.Open()
	if err != nil {
		c.HTML(http.StatusInternalServerError, "search.html", gin.H{"Error": "Could not read the uploaded file."})
		return
	}
	defer f.Close()

	out, err := s.orch.InitialSearch(c.Request.Context(), f, fh.Filename)
	if err != nil {
		s.log.Error("initial search failed", "error", err)
		c.HTML(http.StatusInternalServerError, "search.html",
			gin.H{"Error": fmt.Sprintf("Error during search: %v", err)})
		return
	}

	c.HTML(http.StatusOK, "search.html", gin.H{"Results": out})
}

func (s *Server) refineSubmission(c *gin.Context, selectedItem, selectedCategory string) {
	token := c.PostForm("session_id")
	if token == "" {
		c.HTML(http.StatusOK, "search.html",
			gin.H{"Error": "Session not found. Please upload an image again."})
		return
	}

	var indexPtr *int
	if selectedItem != "" {
		idx, err := strconv.Atoi(selectedItem)
		if err != nil {
			c.HTML(http.StatusOK, "search.html",
				gin.H{"Error": fmt.Sprintf("Error processing selection: %v", err)})
			return
		}
		indexPtr = &idx
	}

	out, err := s.orch.Refine(c.Request.Context(), token, indexPtr, selectedCategory)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.HTML(http.StatusOK, "search.html",
			gin.H{"Error": "Session not found. Please upload an image again."})
		return
	case errors.Is(err, search.ErrInvalidSelection):
		c.HTML(http.StatusOK, "search.html",
			gin.H{"Error": fmt.Sprintf("Error processing selection: %v", err)})
		return
	case err != nil:
		s.log.Error("refined search failed", "session_id", token, "error", err)
		c.HTML(http.StatusInternalServerError, "search.html",
			gin.H{"Error": fmt.Sprintf("Error during search: %v", err)})
		return
	}

	var uploadedURL string
	if sess, err := s.db.GetSessionByToken(c.Request.Context(), token); err == nil {
		uploadedURL = s.orch.PresignDisplayRef(c.Request.Context(), sess.S3URL)
	}

	c.HTML(http.StatusOK, "search.html", gin.H{
		"Refined":          out,
		"SessionID":        token,
		"UploadedImageURL": uploadedURL,
	})
}

type resultRowView struct {
	Confidence   float64
	ResultType   string
	SelectedItem string
	PublicURL    string
	S3URL        string
	CreatedAt    string
}

func (s *Server) handleResults(c *gin.Context) {
	ctx := c.Request.Context()
	token := c.Param("session_id")

	sess, err := s.db.GetSessionByToken(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		redirectWithMessage(c, "/search", "error", "Search session not found.")
		return
	}
	if err != nil {
		s.log.Error("load session failed", "session_id", token, "error", err)
		c.String(http.StatusInternalServerError, "internal error")
		return
	}

	var items []search.DetectedItem
	if row, err := s.db.DetectionBySession(ctx, sess.ID); err == nil {
		var d detect.Result
		if jsonErr := json.Unmarshal(row.DetectedObjects, &d); jsonErr == nil {
			d.MaskImageOutput = row.MaskURLs
			items = search.RankItems(&d)
		}
	}

	rows, err := s.db.ResultsBySession(ctx, sess.ID)
	if err != nil {
		s.log.Error("load results failed", "session_id", token, "error", err)
		c.String(http.StatusInternalServerError, "internal error")
		return
	}

	views := make([]resultRowView, 0, len(rows))
	for _, r := range rows {
		view := resultRowView{
			Confidence: r.Confidence,
			ResultType: r.ResultType,
			CreatedAt:  r.CreatedAt.Format("2006-01-02 15:04"),
		}
		var meta map[string]interface{}
		if err := json.Unmarshal(r.Metadata, &meta); err == nil {
			if v, ok := meta["selected_item"].(string); ok {
				view.SelectedItem = v
			}
			if v, ok := meta["s3_url"].(string); ok {
				view.S3URL = v
				view.PublicURL = s.orch.PresignDisplayRef(ctx, v)
			}
		}
		views = append(views, view)
	}

	c.HTML(http.StatusOK, "results.html", gin.H{
		"Session":          sess,
		"UploadedImageURL": s.orch.PresignDisplayRef(ctx, sess.S3URL),
		"DetectedItems":    items,
		"Results":          views,
	})
}

func (s *Server) handleUploadProduct(c *gin.Context) {
	if c.Request.Method == http.MethodGet {
		c.HTML(http.StatusOK, "upload_product.html", gin.H{
			"Error":   c.Query("error"),
			"Message": c.Query("message"),
		})
		return
	}

	ctx := c.Request.Context()
	p := &models.Product{
		ID:          uuid.New(),
		ProductCode: strings.TrimSpace(c.PostForm("product_code")),
		Name:        strings.TrimSpace(c.PostForm("name")),
		Description: strings.TrimSpace(c.PostForm("description")),
		Category:    strings.TrimSpace(c.PostForm("category")),
	}
	if p.ProductCode == "" || p.Name == "" {
		s.renderUploadError(c, "Product code and name are required.")
		return
	}

	fh, err := c.FormFile("image")
	if err != nil {
		s.renderUploadError(c, "Please upload a product image.")
		return
	}
	if err := validateImageUpload(fh); err != nil {
		s.renderUploadError(c, err.Error())
		return
	}

	exists, err := s.db.ProductCodeExists(ctx, p.ProductCode)
	if err != nil {
		s.log.Error("product code check failed", "product_code", p.ProductCode, "error", err)
		s.renderUploadError(c, "Error uploading product, please try again.")
		return
	}
	if exists {
		s.renderUploadError(c, "A product with this code already exists.")
		return
	}

	f, err := fh.Open()
	if err != nil {
		s.renderUploadError(c, "Could not read the uploaded file.")
		return
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		s.renderUploadError(c, "Could not read the uploaded file.")
		return
	}

	err = s.db.CreateProduct(ctx, p, func(ctx2 context.Context) (string, string, error) {
		return s.uploadProductImages(ctx2, p.ProductCode, fh.Filename, data)
	})
	switch {
	case errors.Is(err, storage.ErrDuplicateCode):
		s.renderUploadError(c, "A product with this code already exists.")
		return
	case err != nil:
		s.log.Error("product upload failed", "product_code", p.ProductCode, "error", err)
		s.renderUploadError(c, fmt.Sprintf("Error uploading product: %v", err))
		return
	}

	// Search-index registration is a provider-side feature that does not
	// exist yet; record the intent and move on.
	s.log.Info("product indexing not implemented yet",
		"product_code", p.ProductCode, "s3_url", p.S3URL)

	redirectWithMessage(c, "/products", "message",
		fmt.Sprintf("Product %q uploaded successfully!", p.Name))
}

func (s *Server) uploadProductImages(ctx context.Context, code, filename string, data []byte) (string, string, error) {
	key := fmt.Sprintf("products/%s/%s", code, path.Base(filename))
	s3URL, err := s.objects.Upload(ctx, bytes.NewReader(data), key)
	if err != nil {
		return "", "", err
	}

	// Thumbnail derivation is best-effort: a photo that stores fine but
	// does not decode keeps its catalog row, just without a thumbnail.
	thumbURL := ""
	if buf, err := thumbs.Derive(bytes.NewReader(data)); err == nil {
		thumbKey := fmt.Sprintf("products/%s/thumb_%s.jpg", code, strings.TrimSuffix(path.Base(filename), path.Ext(filename)))
		if u, err := s.objects.Upload(ctx, buf, thumbKey); err == nil {
			thumbURL = u
		} else {
			s.log.Warn("thumbnail upload failed", "product_code", code, "error", err)
		}
	} else {
		s.log.Warn("thumbnail derivation failed", "product_code", code, "error", err)
	}
	return s3URL, thumbURL, nil
}

func (s *Server) renderUploadError(c *gin.Context, msg string) {
	c.HTML(http.StatusOK, "upload_product.html", gin.H{"Error": msg})
}

func (s *Server) handleBulkUpload(c *gin.Context) {
	fh, err := c.FormFile("csv_file")
	if err != nil {
		redirectWithMessage(c, "/upload", "error", "Please upload a CSV file.")
		return
	}
	if err := validateCSVUpload(fh); err != nil {
		redirectWithMessage(c, "/upload", "error", err.Error())
		return
	}
	redirectWithMessage(c, "/upload", "error", "Bulk import is not implemented yet.")
}

type productView struct {
	models.Product
	ImageURL string
}

func (s *Server) handleProductList(c *gin.Context) {
	ctx := c.Request.Context()

	page, err := strconv.Atoi(c.Query("page"))
	if err != nil || page < 1 {
		page = 1
	}

	products, total, err := s.db.ListProducts(ctx, productsPerPage, (page-1)*productsPerPage)
	if err != nil {
		s.log.Error("list products failed", "error", err)
		c.String(http.StatusInternalServerError, "internal error")
		return
	}

	views := make([]productView, 0, len(products))
	for _, p := range products {
		ref := p.ThumbnailS3URL
		if ref == "" {
			ref = p.S3URL
		}
		views = append(views, productView{Product: p, ImageURL: s.orch.PresignDisplayRef(ctx, ref)})
	}

	totalPages := (total + productsPerPage - 1) / productsPerPage
	c.HTML(http.StatusOK, "product_list.html", gin.H{
		"Products":   views,
		"Page":       page,
		"TotalPages": totalPages,
		"HasPrev":    page > 1,
		"HasNext":    page < totalPages,
		"PrevPage":   page - 1,
		"NextPage":   page + 1,
		"Message":    c.Query("message"),
		"Error":      c.Query("error"),
	})
}

func (s *Server) handleProductDetail(c *gin.Context) {
	ctx := c.Request.Context()

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		redirectWithMessage(c, "/products", "error", "Product not found.")
		return
	}
	p, err := s.db.GetProduct(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		redirectWithMessage(c, "/products", "error", "Product not found.")
		return
	}
	if err != nil {
		s.log.Error("load product failed", "product_id", id, "error", err)
		c.String(http.StatusInternalServerError, "internal error")
		return
	}

	c.HTML(http.StatusOK, "product_detail.html", gin.H{
		"Product":  p,
		"ImageURL": s.orch.PresignDisplayRef(ctx, p.S3URL),
	})
}

func redirectWithMessage(c *gin.Context, target, key, msg string) {
	c.Redirect(http.StatusFound, target+"?"+key+"="+url.QueryEscape(msg))
}
