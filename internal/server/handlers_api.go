package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "clothing_image_search",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleAPISearch is the JSON variant of the upload flow. Preview hits from
// the un-refined search are persisted here, mirroring what the page flow
// only does for context-refined results.
func (s *Server) handleAPISearch(c *gin.Context) {
	fh, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No image provided", "status": "error"})
		return
	}
	if err := validateImageUpload(fh); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "status": "error"})
		return
	}

	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "status": "error"})
		return
	}
	defer f.Close()

	out, err := s.orch.InitialSearch(c.Request.Context(), f, fh.Filename)
	if err != nil {
		s.log.Error("api search failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "status": "error"})
		return
	}

	if out.PlainSearch != nil {
		if err := s.orch.PersistPlainHits(c.Request.Context(), out.SessionToken, out.PlainSearch); err != nil {
			s.log.Error("persist plain hits failed", "session_id", out.SessionToken, "error", err)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": out.SessionToken,
		"results":    out,
		"status":     "success",
	})
}

// handleAPITestConnection probes both upstreams independently; one failing
// never hides the other's outcome.
func (s *Server) handleAPITestConnection(c *gin.Context) {
	ctx := c.Request.Context()
	results := gin.H{}

	if resp, err := s.detector.Health(ctx); err != nil {
		results["detection"] = gin.H{"status": "error", "error": err.Error()}
	} else {
		results["detection"] = gin.H{"status": "connected", "response": resp}
	}

	if resp, err := s.searcher.TestConnection(ctx, "s3://a-bucket/image.png"); err != nil {
		// The test endpoint is flaky on some deployments; listing indexes
		// proves connectivity just as well.
		if indexes, err2 := s.searcher.ListIndexes(ctx); err2 != nil {
			results["visual_search"] = gin.H{
				"status": "error",
				"error":  fmt.Sprintf("Test connection failed: %v. List indexes also failed: %v", err, err2),
			}
		} else {
			results["visual_search"] = gin.H{
				"status":   "connected (via list_indexes)",
				"response": json.RawMessage(indexes),
			}
		}
	} else {
		results["visual_search"] = gin.H{"status": "connected", "response": json.RawMessage(resp)}
	}

	c.JSON(http.StatusOK, gin.H{"status": "success", "results": results})
}

func (s *Server) handleAPITestYOLO(c *gin.Context) {
	testRef := fmt.Sprintf("s3://%s/test/test.jpg", s.cfg.S3.Bucket)
	testOutputDir := fmt.Sprintf("s3://%s/test/masks", s.cfg.S3.Bucket)

	result := s.detector.DetectClothing(c.Request.Context(), testRef, testOutputDir)

	c.JSON(http.StatusOK, gin.H{
		"status":          "success",
		"result":          json.RawMessage(result.Raw),
		"test_s3_url":     testRef,
		"test_output_dir": testOutputDir,
	})
}

func (s *Server) handleAPITestYOLOSimple(c *gin.Context) {
	ctx := c.Request.Context()

	var healthResult gin.H
	if resp, err := s.detector.Health(ctx); err != nil {
		healthResult = gin.H{"health_check": "failed", "error": err.Error(), "detect_endpoint": s.detector.BaseURL()}
	} else {
		healthResult = gin.H{"health_check": "success", "response": resp, "detect_endpoint": s.detector.BaseURL()}
	}

	testRef := fmt.Sprintf("s3://%s/test/test.jpg", s.cfg.S3.Bucket)
	testOutputDir := fmt.Sprintf("s3://%s/test/masks", s.cfg.S3.Bucket)
	result := s.detector.Predict(ctx, testRef, "test", testOutputDir)

	var predictResult gin.H
	if result.Failed() {
		predictResult = gin.H{"predict_test": "failed", "error": result.ErrorMessage, "status": result.Status}
	} else {
		predictResult = gin.H{"predict_test": "success", "response": json.RawMessage(result.Raw)}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"detection_tests": gin.H{
			"health":  healthResult,
			"predict": predictResult,
		},
	})
}
