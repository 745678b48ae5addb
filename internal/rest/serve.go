// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package rest serves normalisation and phantom runs over an HTTP JSON API.
package rest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/mlnoga/mtnorm/internal/config"
	"github.com/mlnoga/mtnorm/internal/ops"
	"github.com/mlnoga/mtnorm/web"
)

// HTTP front end. Runs are serialized, since each may use most of the memory budget
type Server struct {
	cfg       *config.Config
	logWriter io.Writer
	mu        sync.Mutex
}

func NewServer(cfg *config.Config, logWriter io.Writer) *Server {
	return &Server{cfg: cfg, logWriter: logWriter}
}

// Builds the router with all API routes
func (s *Server) Router() *gin.Engine {
	r := gin.Default()
	r.GET("/", getIndex)
	api := r.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/ping", getPing)
			v1.GET("/defaults", s.getDefaults)
			v1.POST("/normalise", s.postNormalise)
			v1.POST("/phantom", s.postPhantom)
		}
	}
	return r
}

// Listens and serves on the configured address until an error occurs
func (s *Server) Serve() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Addr, s.cfg.Server.Port)
	fmt.Fprintf(s.logWriter, "Serving API on %s\n", addr)
	return s.Router().Run(addr)
}

func getIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", web.IndexHTML)
}

func getPing(c *gin.Context) {
	c.JSON(200, gin.H{
		"message": "pong",
	})
}

func (s *Server) getDefaults(c *gin.Context) {
	op := ops.NewOpNormalise(s.cfg.Params())
	op.Balanced = s.cfg.Normalise.Balanced
	op.Gamma = s.cfg.Output.Gamma
	c.JSON(http.StatusOK, gin.H{
		"normalise": op,
		"phantom":   ops.NewOpPhantomDefault(),
	})
}

func printArgs(logWriter io.Writer, prefix, suffix string, args interface{}) error {
	m, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(logWriter, "%s%s%s", prefix, string(m), suffix)
	return nil
}

func (s *Server) postNormalise(c *gin.Context) {
	op := ops.NewOpNormalise(s.cfg.Params())
	op.Balanced = s.cfg.Normalise.Balanced
	op.Gamma = s.cfg.Output.Gamma
	if err := c.ShouldBindJSON(op); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := op.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.run(c, op)
}

func (s *Server) postPhantom(c *gin.Context) {
	op := ops.NewOpPhantomDefault()
	if err := c.ShouldBindJSON(op); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.run(c, op)
}

// Runs the operator with a fresh context, and responds with its report and log output
func (s *Server) run(c *gin.Context, op ops.Operator) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var log bytes.Buffer
	logWriter := io.MultiWriter(&log, s.logWriter)
	if err := printArgs(logWriter, "Arguments:\n", "\n", op); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := ops.NewContext(logWriter, s.cfg.Processing.Threads, s.cfg.Processing.MemoryPercent)
	ctx.Verbose = s.cfg.Output.Verbose

	report, err := op.Run(ctx)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "log": log.String()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "log": log.String()})
}
