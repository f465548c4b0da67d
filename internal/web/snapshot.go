package web

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sschepis/oboto-server/internal/logger"
	"github.com/sschepis/oboto-server/internal/plugins"
	"github.com/sschepis/oboto-server/internal/protocol"
	"github.com/sschepis/oboto-server/internal/store"
)

type statusPayload struct {
	State string `json:"state"`
}

type historyPayload struct {
	ConversationID string           `json:"conversationId"`
	Messages       []*store.Message `json:"messages"`
	TokenEstimate  int              `json:"tokenEstimate"`
}

type conversationsPayload struct {
	Conversations []*store.Conversation `json:"conversations"`
	ActiveID      string                `json:"activeId,omitempty"`
}

type tasksPayload struct {
	Tasks []*store.Task `json:"tasks"`
}

type schedulesPayload struct {
	Schedules []*store.Schedule `json:"schedules"`
}

type auxPortPayload struct {
	Port int `json:"port"`
}

type pluginsPayload struct {
	Plugins []plugins.Manifest `json:"plugins"`
}

// SyncStatus reports the configured external synchronization target.
// The sync itself runs out of process; only status is surfaced.
type SyncStatus struct {
	Enabled    bool       `json:"enabled"`
	Provider   string     `json:"provider,omitempty"`
	Remote     string     `json:"remote,omitempty"`
	LastSyncAt *time.Time `json:"lastSyncAt,omitempty"`
}

// sendSnapshot delivers the fixed connect sequence: the connected
// notice, then history, conversations, workspace status, loop state,
// tasks, auxiliary port, plugin manifests, and sync status, in that
// order. Each item sits in its own failure boundary so one missing or
// erroring collaborator cannot block the rest.
func (s *Server) sendSnapshot(c *Client) {
	_ = c.Send(protocol.TypeStatus, statusPayload{State: "connected"})

	s.snapshotItem(c, "history", func() error {
		payload, err := s.handlers.activeHistory()
		if err != nil {
			return err
		}
		return c.Send(protocol.TypeHistory, payload)
	})

	s.snapshotItem(c, "conversations", func() error {
		payload, err := s.handlers.conversationList()
		if err != nil {
			return err
		}
		return c.Send(protocol.TypeConversations, payload)
	})

	s.snapshotItem(c, "workspace status", func() error {
		if s.deps.Workspace == nil {
			return errUnavailable("workspace")
		}
		return c.Send(protocol.TypeWorkspaceStatus, s.deps.Workspace.Status())
	})

	s.snapshotItem(c, "loop state", func() error {
		if s.deps.Loop == nil {
			return errUnavailable("loop")
		}
		return c.Send(protocol.TypeLoopState, s.deps.Loop.State())
	})

	s.snapshotItem(c, "tasks", func() error {
		st, err := s.handlers.requireStore()
		if err != nil {
			return err
		}
		tasks, err := st.ListTasks()
		if err != nil {
			return err
		}
		return c.Send(protocol.TypeTasks, tasksPayload{Tasks: tasks})
	})

	s.snapshotItem(c, "aux port", func() error {
		if s.deps.Aux == nil {
			return errUnavailable("aux server")
		}
		return c.Send(protocol.TypeAuxPort, auxPortPayload{Port: s.deps.Aux.Port()})
	})

	s.snapshotItem(c, "plugins", func() error {
		if s.deps.Plugins == nil {
			return errUnavailable("plugin registry")
		}
		return c.Send(protocol.TypePlugins, pluginsPayload{Plugins: s.deps.Plugins.Manifests()})
	})

	s.snapshotItem(c, "sync status", func() error {
		return c.Send(protocol.TypeSyncStatus, s.handlers.syncStatus())
	})
}

func (s *Server) snapshotItem(c *Client, name string, send func() error) {
	if err := send(); err != nil {
		logger.Warn("web: snapshot item %s skipped for client %s: %v", name, c.ID(), err)
	}
}

func errUnavailable(name string) error {
	return fmt.Errorf("%s unavailable", name)
}

// syncStatus builds the sync report from config. For the git provider
// the last-sync time is read off .git/FETCH_HEAD when one exists.
func (h *Handlers) syncStatus() SyncStatus {
	st := SyncStatus{
		Enabled:  h.cfg.Sync.Enabled,
		Provider: h.cfg.Sync.Provider,
		Remote:   h.cfg.Sync.Remote,
	}
	if h.cfg.Sync.Provider == "git" {
		if info, err := os.Stat(filepath.Join(h.cfg.WorkspaceDir, ".git", "FETCH_HEAD")); err == nil {
			t := info.ModTime()
			st.LastSyncAt = &t
		}
	}
	return st
}
