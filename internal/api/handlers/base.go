package handlers

import (
	"github.com/sirupsen/logrus"

	"github.com/vornlabs/grokgate/internal/batch"
	"github.com/vornlabs/grokgate/internal/mediacache"
	"github.com/vornlabs/grokgate/internal/pipeline"
	"github.com/vornlabs/grokgate/internal/pool"
)

// Base aggregates everything a public or admin handler needs. Grounded on
// the teacher's handlers.BaseAPIHandler, generalized from a multi-provider
// client registry to this gateway's single pipeline/pool/batch/cache set.
type Base struct {
	Pipeline          *pipeline.Pipeline
	Pool              *pool.Manager
	Batch             *batch.Engine
	Cache             *mediacache.Cache
	ImageUseWebSocket bool
	Log               *logrus.Entry
}

// NewBase builds a Base. imageUseWebSocket mirrors config's image.use-websocket.
func NewBase(p *pipeline.Pipeline, mgr *pool.Manager, eng *batch.Engine, cache *mediacache.Cache, imageUseWebSocket bool, log *logrus.Entry) *Base {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Base{Pipeline: p, Pool: mgr, Batch: eng, Cache: cache, ImageUseWebSocket: imageUseWebSocket, Log: log.WithField("component", "api")}
}
