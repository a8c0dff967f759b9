package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/devrev/pairdb/docstore/internal/commands"
	"github.com/devrev/pairdb/docstore/internal/conventions"
	"github.com/devrev/pairdb/docstore/internal/model"
	"go.uber.org/zap"
)

// CommandExecutor runs commands outside of any session
type CommandExecutor interface {
	Execute(ctx context.Context, cmd commands.Command, info *model.SessionInfo) error
}

type hiloRange struct {
	mu        sync.Mutex
	prefix    string
	serverTag string
	current   int64
	high      int64
	lastSize  int64
}

// HiLoGenerator hands out ids like users/1-A from ranges reserved on the
// server, one range per collection shared by every session of a store
type HiLoGenerator struct {
	exec      CommandExecutor
	separator string
	logger    *zap.Logger

	mu     sync.Mutex
	ranges map[string]*hiloRange
}

// NewHiLoGenerator creates a generator
func NewHiLoGenerator(exec CommandExecutor, separator string, logger *zap.Logger) *HiLoGenerator {
	if separator == "" {
		separator = "/"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HiLoGenerator{
		exec:      exec,
		separator: separator,
		logger:    logger,
		ranges:    make(map[string]*hiloRange),
	}
}

// Generate returns the next id for collection
func (g *HiLoGenerator) Generate(ctx context.Context, collection string, entity interface{}) (string, error) {
	tag := conventions.TransformTypeTagToIDPrefix(collection)

	g.mu.Lock()
	r, ok := g.ranges[strings.ToLower(tag)]
	if !ok {
		r = &hiloRange{}
		g.ranges[strings.ToLower(tag)] = r
	}
	g.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current >= r.high {
		cmd := commands.NewNextHiLo(tag, r.lastSize, r.high, g.separator)
		if err := g.exec.Execute(ctx, cmd, nil); err != nil {
			g.logger.Warn("Failed to reserve HiLo range",
				zap.String("collection", tag),
				zap.Error(err))
			return "", fmt.Errorf("failed to reserve ids for %s: %w", tag, err)
		}
		g.logger.Debug("Reserved HiLo range",
			zap.String("collection", tag),
			zap.Int64("low", cmd.Result.Low),
			zap.Int64("high", cmd.Result.High),
			zap.String("server_tag", cmd.Result.ServerTag))
		r.prefix = cmd.Result.Prefix
		r.serverTag = cmd.Result.ServerTag
		r.current = cmd.Result.Low - 1
		r.high = cmd.Result.High
		r.lastSize = cmd.Result.LastSize
	}
	r.current++

	id := fmt.Sprintf("%s%d", r.prefix, r.current)
	if r.serverTag != "" {
		id += "-" + r.serverTag
	}
	return id, nil
}

// KeyGenerator adapts the generator for sessions
func (g *HiLoGenerator) KeyGenerator() KeyGenerator {
	return g.Generate
}
