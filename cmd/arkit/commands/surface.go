package commands

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/arkit/pkg/engine"
	"github.com/openfroyo/arkit/pkg/xform"
)

// logSurface is a headless engine.Surface that logs scene graph changes.
type logSurface struct {
	root       *logRoot
	containers map[string]*logContainer
}

func newLogSurface(logger zerolog.Logger, containerIDs ...string) *logSurface {
	s := &logSurface{
		root:       &logRoot{logger: logger, nodes: make(map[engine.AnchorID]string)},
		containers: make(map[string]*logContainer),
	}
	for _, id := range containerIDs {
		if id != "" {
			s.containers[id] = &logContainer{id: id, logger: logger}
		}
	}
	return s
}

func (s *logSurface) Root() engine.RootNode { return s.root }

func (s *logSurface) Container(id string) (engine.Container, bool) {
	c, ok := s.containers[id]
	if !ok {
		return nil, false
	}
	return c, true
}

type logRoot struct {
	logger zerolog.Logger

	mu    sync.Mutex
	nodes map[engine.AnchorID]string
}

func (r *logRoot) Attach(id engine.AnchorID, name string) {
	r.mu.Lock()
	r.nodes[id] = name
	r.mu.Unlock()
	r.logger.Debug().Str("anchor", string(id)).Str("name", name).Msg("node attached")
}

func (r *logRoot) SetTransform(id engine.AnchorID, world engine.Transform) {
	t := xform.Translation(world)
	r.logger.Trace().Str("anchor", string(id)).Floats64("position", t[:]).Msg("node moved")
}

func (r *logRoot) Detach(id engine.AnchorID) {
	r.mu.Lock()
	delete(r.nodes, id)
	r.mu.Unlock()
	r.logger.Debug().Str("anchor", string(id)).Msg("node detached")
}

// Len returns how many nodes are attached.
func (r *logRoot) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}

type logContainer struct {
	id     string
	logger zerolog.Logger

	mu       sync.Mutex
	elements []string
}

func (c *logContainer) Inject(element string) {
	c.mu.Lock()
	c.elements = append(c.elements, element)
	c.mu.Unlock()
	c.logger.Debug().Str("container", c.id).Str("element", element).Msg("element injected")
}
