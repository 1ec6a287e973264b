package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lychee-technology/celldb"
)

// handleBatchQuery handles POST /api/v1/queries
func (s *Server) handleBatchQuery(c *gin.Context) {
	var query celldb.BatchQuery
	if err := c.ShouldBindJSON(&query); err != nil {
		badRequest(c, "invalid json body: %v", err)
		return
	}
	result, err := s.agg.ExecuteBatchQuery(c.Request.Context(), &query)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleQueryPlan handles POST /api/v1/plans
func (s *Server) handleQueryPlan(c *gin.Context) {
	var plan celldb.QueryPlan
	if err := c.ShouldBindJSON(&plan); err != nil {
		badRequest(c, "invalid json body: %v", err)
		return
	}
	result, err := s.agg.ExecuteQueryPlan(c.Request.Context(), &plan)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleOpenStream handles POST /api/v1/streams
func (s *Server) handleOpenStream(c *gin.Context) {
	var plan celldb.QueryPlan
	if err := c.ShouldBindJSON(&plan); err != nil {
		badRequest(c, "invalid json body: %v", err)
		return
	}
	handle, err := s.agg.ExecuteStreamingQuery(c.Request.Context(), &plan)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, handle)
}

// handleStreamBatch handles POST /api/v1/streams/:id/batches?batch_size=
func (s *Server) handleStreamBatch(c *gin.Context) {
	size, err := parseBatchSize(c.Query("batch_size"))
	if err != nil {
		badRequest(c, "%v", err)
		return
	}
	batch, err := s.agg.GetStreamBatch(c.Request.Context(), c.Param("id"), size)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

// handleCloseStream handles DELETE /api/v1/streams/:id
func (s *Server) handleCloseStream(c *gin.Context) {
	if err := s.agg.CloseStream(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleRegisterCell handles POST /api/v1/cells
func (s *Server) handleRegisterCell(c *gin.Context) {
	var reg celldb.CellRegistration
	if err := c.ShouldBindJSON(&reg); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, APIResponse{
			Error: "invalid json body: " + err.Error(),
			Kind:  celldb.ErrorKindRegistrationFailed,
		})
		return
	}
	if err := s.agg.RegisterCell(c.Request.Context(), &reg); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, reg)
}

// handleListCells handles GET /api/v1/cells
func (s *Server) handleListCells(c *gin.Context) {
	cells, err := s.agg.ListCells(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cells": cells})
}

// handleMetrics handles GET /api/v1/metrics
func (s *Server) handleMetrics(c *gin.Context) {
	metrics, err := s.agg.GetAggregatorMetrics(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, metrics)
}

// handleStats handles GET /api/v1/stats?window=
func (s *Server) handleStats(c *gin.Context) {
	window, err := parseWindow(c.Query("window"))
	if err != nil {
		badRequest(c, "%v", err)
		return
	}
	stats, err := s.agg.GetQueryStats(c.Request.Context(), window)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
