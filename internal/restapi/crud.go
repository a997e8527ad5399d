package restapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/store"
)

var (
	errAeTitleLength = errors.New("aeTitle must be 1-16 characters")
	errInvalidPort   = errors.New("port must be between 1 and 65535")
	errEmptyHost     = errors.New("host must not be empty")
)

// registerCrud wires the four CRUD verbs for entity type T against prefix,
// validating each write with validate before persisting. Used under
// /config/{ae|source|destination}.
func registerCrud[T store.Entity](r *gin.Engine, prefix string, s *store.Store[T], logger *slog.Logger, validate func(T) error) {
	r.GET(prefix, func(c *gin.Context) {
		all, err := s.List(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list"})
			return
		}
		c.JSON(http.StatusOK, all)
	})

	r.GET(prefix+"/:key", func(c *gin.Context) {
		v, err := s.Find(c.Request.Context(), c.Param("key"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusOK, v)
	})

	r.POST(prefix, func(c *gin.Context) {
		var v T
		if err := c.ShouldBindJSON(&v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		createEntity(c.Request.Context(), c, s, v, validate, logger)
	})

	r.PUT(prefix+"/:key", func(c *gin.Context) {
		var v T
		if err := c.ShouldBindJSON(&v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if v.StoreKey() != c.Param("key") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "key mismatch"})
			return
		}
		if err := validate(v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := s.Save(c.Request.Context(), v); err != nil {
			logger.Error("failed to save entity", "key", v.StoreKey(), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist"})
			return
		}
		c.JSON(http.StatusOK, v)
	})

	r.DELETE(prefix+"/:key", func(c *gin.Context) {
		if _, err := s.Find(c.Request.Context(), c.Param("key")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		if err := s.Remove(c.Request.Context(), c.Param("key")); err != nil {
			logger.Error("failed to delete entity", "key", c.Param("key"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete"})
			return
		}
		c.Status(http.StatusNoContent)
	})
}

func createEntity[T store.Entity](ctx context.Context, c *gin.Context, s *store.Store[T], v T, validate func(T) error, logger *slog.Logger) {
	if err := validate(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := s.Find(ctx, v.StoreKey()); err == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "duplicate name"})
		return
	}
	if err := s.Add(ctx, v); err != nil {
		logger.Error("failed to create entity", "key", v.StoreKey(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist"})
		return
	}
	c.JSON(http.StatusCreated, v)
}
