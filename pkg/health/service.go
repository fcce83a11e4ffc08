package health

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Service aggregates checkers and exposes HTTP health endpoints
type Service struct {
	mutex    sync.RWMutex
	checkers map[string]*Checker
	started  time.Time
	version  string
}

// NewService creates a health service
func NewService(version string) *Service {
	return &Service{
		checkers: make(map[string]*Checker),
		started:  time.Now(),
		version:  version,
	}
}

// Register adds a checker to the service
func (s *Service) Register(checker *Checker) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.checkers[checker.Name()] = checker
}

// Checker returns a registered checker by name
func (s *Service) Checker(name string) (*Checker, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	checker, ok := s.checkers[name]
	return checker, ok
}

// Snapshots returns current state for all registered checkers, sorted by name
func (s *Service) Snapshots() []StatusSnapshot {
	s.mutex.RLock()
	checkers := make([]*Checker, 0, len(s.checkers))
	for _, checker := range s.checkers {
		checkers = append(checkers, checker)
	}
	s.mutex.RUnlock()

	snapshots := make([]StatusSnapshot, 0, len(checkers))
	for _, checker := range checkers {
		snapshots = append(snapshots, checker.Snapshot())
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Name < snapshots[j].Name
	})
	return snapshots
}

// Overall reduces checker states: UNHEALTHY if any dependency is unhealthy,
// UNKNOWN if any has not settled, otherwise HEALTHY
func (s *Service) Overall() Status {
	snapshots := s.Snapshots()
	if len(snapshots) == 0 {
		return StatusHealthy
	}

	overall := StatusHealthy
	for _, snapshot := range snapshots {
		switch snapshot.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusUnknown:
			overall = StatusUnknown
		}
	}
	return overall
}

// StopAll stops every registered checker
func (s *Service) StopAll() {
	s.mutex.RLock()
	checkers := make([]*Checker, 0, len(s.checkers))
	for _, checker := range s.checkers {
		checkers = append(checkers, checker)
	}
	s.mutex.RUnlock()

	for _, checker := range checkers {
		checker.Stop()
	}
}

// Handler returns the full health report; 503 when any dependency is
// unhealthy
func (s *Service) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		overall := s.Overall()

		code := http.StatusOK
		if overall == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}

		c.JSON(code, gin.H{
			"status":    overall,
			"version":   s.version,
			"uptime":    time.Since(s.started).String(),
			"timestamp": time.Now().UTC(),
			"checks":    s.Snapshots(),
		})
	}
}

// ReadinessHandler reports ready only when every dependency has settled
// healthy
func (s *Service) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.Overall() != StatusHealthy {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

// LivenessHandler reports process liveness only
func (s *Service) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "alive",
			"uptime": time.Since(s.started).String(),
		})
	}
}
