package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/roach88/shelf/internal/ir"
	"github.com/roach88/shelf/internal/queryir"
)

// decodeBody reads a JSON body keeping numbers as json.Number, the same
// representation rows have when read back from the store.
func decodeBody(c *gin.Context, v any) error {
	dec := json.NewDecoder(io.LimitReader(c.Request.Body, DefaultMaxMessage))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return &queryir.ValidationError{Message: fmt.Sprintf("malformed request body: %v", err)}
	}
	return nil
}

func (s *Server) query(c *gin.Context) {
	var req queryir.Request
	if err := decodeBody(c, &req); err != nil {
		abort(c, err)
		return
	}
	q, err := req.Build()
	if err != nil {
		abort(c, err)
		return
	}
	res, err := s.records.Query(c.Request.Context(), actorOf(c), q)
	if err != nil {
		abort(c, err)
		return
	}
	if res.Rows == nil && q.Mode != queryir.ModeCount {
		res.Rows = []ir.Row{}
	}
	c.JSON(http.StatusOK, res)
}

// listRecords serves simple listings: ?sort=field&direction=desc&limit=n.
// Filtered queries go through POST /v1/query.
func (s *Server) listRecords(c *gin.Context) {
	req := queryir.Request{Collection: c.Param("collection")}
	if field := c.Query("sort"); field != "" {
		req.Sort = &queryir.SortSpec{Field: field, Direction: c.Query("direction")}
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			abort(c, &queryir.ValidationError{Message: fmt.Sprintf("limit %q is not a number", raw)})
			return
		}
		req.Limit = &n
	}
	q, err := req.Build()
	if err != nil {
		abort(c, err)
		return
	}
	res, err := s.records.List(c.Request.Context(), actorOf(c), q)
	if err != nil {
		abort(c, err)
		return
	}
	if res.Rows == nil {
		res.Rows = []ir.Row{}
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) getRecord(c *gin.Context) {
	row, err := s.records.Get(c.Request.Context(), actorOf(c), c.Param("collection"), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, row)
}

func (s *Server) createRecord(c *gin.Context) {
	var row ir.Row
	if err := decodeBody(c, &row); err != nil {
		abort(c, err)
		return
	}
	stored, err := s.records.Create(c.Request.Context(), actorOf(c), c.Param("collection"), row)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

func (s *Server) updateRecord(c *gin.Context) {
	var patch ir.Row
	if err := decodeBody(c, &patch); err != nil {
		abort(c, err)
		return
	}
	next, err := s.records.Update(c.Request.Context(), actorOf(c), c.Param("collection"), c.Param("id"), patch)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, next)
}

func (s *Server) deleteRecord(c *gin.Context) {
	prev, err := s.records.Delete(c.Request.Context(), actorOf(c), c.Param("collection"), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, prev)
}

// EnqueueRequest is the body of POST /v1/tasks.
type EnqueueRequest struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Priority int             `json:"priority,omitempty"`
}

// StatusRequest is the body of PUT /v1/tasks/:id/status.
type StatusRequest struct {
	Status ir.TaskStatus `json:"status"`
}

// BulkRequest is the body of the bulk task endpoints.
type BulkRequest struct {
	IDs []string `json:"ids"`
}

// BulkResponse reports how many tasks a bulk operation affected.
type BulkResponse struct {
	Affected int `json:"affected"`
}

func (s *Server) enqueueTask(c *gin.Context) {
	var req EnqueueRequest
	if err := decodeBody(c, &req); err != nil {
		abort(c, err)
		return
	}
	task, err := s.tasks.Enqueue(c.Request.Context(), actorOf(c), req.Type, req.Payload, req.Priority)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) getTask(c *gin.Context) {
	task, err := s.tasks.Get(c.Request.Context(), actorOf(c), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) updateTaskStatus(c *gin.Context) {
	var req StatusRequest
	if err := decodeBody(c, &req); err != nil {
		abort(c, err)
		return
	}
	task, err := s.tasks.UpdateStatus(c.Request.Context(), actorOf(c), c.Param("id"), req.Status)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) deleteTask(c *gin.Context) {
	if err := s.tasks.Delete(c.Request.Context(), actorOf(c), c.Param("id")); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) bulkDeleteTasks(c *gin.Context) {
	var req BulkRequest
	if err := decodeBody(c, &req); err != nil {
		abort(c, err)
		return
	}
	n, err := s.tasks.BulkDelete(c.Request.Context(), actorOf(c), req.IDs)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, BulkResponse{Affected: n})
}

func (s *Server) bulkRetryTasks(c *gin.Context) {
	var req BulkRequest
	if err := decodeBody(c, &req); err != nil {
		abort(c, err)
		return
	}
	n, err := s.tasks.BulkRetry(c.Request.Context(), actorOf(c), req.IDs)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, BulkResponse{Affected: n})
}
