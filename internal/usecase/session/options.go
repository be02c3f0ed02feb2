package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/johnquangdev/meeting-session/internal/domain/repositories"
	"github.com/johnquangdev/meeting-session/internal/usecase/clustering"
	"github.com/johnquangdev/meeting-session/internal/usecase/relay"
	"github.com/johnquangdev/meeting-session/pkg/inference"
)

// Inference is the failover client as seen by the session engine
type Inference interface {
	Call(ctx context.Context, endpoint string, body interface{}, out interface{}) (*inference.CallResult, error)
}

// Options tunes every actor created by a registry
type Options struct {
	EmbeddingCacheBytes  int64
	ClusterThreshold     float64
	ClusterLinkage       clustering.Linkage
	RosterMatchThreshold float64
	UnresolvedRatioMax   float64
	SnapshotEveryChunks  int
	RetireAfter          time.Duration
	StageTimeout         time.Duration
	ReplayMaxChunks      int
	Relay                relay.Config
}

func (o Options) withDefaults() Options {
	if o.EmbeddingCacheBytes <= 0 {
		o.EmbeddingCacheBytes = 8 << 20
	}
	if o.ClusterThreshold <= 0 {
		o.ClusterThreshold = 0.3
	}
	if o.ClusterLinkage == "" {
		o.ClusterLinkage = clustering.LinkageAverage
	}
	if o.RosterMatchThreshold <= 0 {
		o.RosterMatchThreshold = 0.65
	}
	if o.UnresolvedRatioMax <= 0 {
		o.UnresolvedRatioMax = 0.25
	}
	if o.SnapshotEveryChunks <= 0 {
		o.SnapshotEveryChunks = 30
	}
	if o.RetireAfter <= 0 {
		o.RetireAfter = 10 * time.Minute
	}
	if o.StageTimeout <= 0 {
		o.StageTimeout = 2 * time.Minute
	}
	if o.ReplayMaxChunks <= 0 {
		o.ReplayMaxChunks = 30
	}
	return o
}

// Deps are the collaborators shared by all actors. Events, Records and
// Dialer may be nil.
type Deps struct {
	Blobs     repositories.BlobStore
	Events    repositories.SpeakerEventRepository
	Records   repositories.FinalizeRecordRepository
	Inference Inference
	Dialer    relay.Dialer
	Logger    *zap.Logger
}
