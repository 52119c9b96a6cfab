package overseer

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/channels"
	"github.com/legionhq/legion/internal/common/apperr"
	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/internal/comms"
	"github.com/legionhq/legion/internal/project"
	"github.com/legionhq/legion/internal/session"
)

// Sessions is the registry slice the controller reads and mutates.
type Sessions interface {
	Get(sid string) (*session.Session, error)
	FindByName(projectID, name string) (*session.Session, bool)
	Update(sid string, mutate func(*session.Session) error) (*session.Session, error)
}

// Projects resolves the legion hosting a spawn.
type Projects interface {
	Get(id string) (*project.Project, error)
}

// Channels joins spawned minions into multicast groups.
type Channels interface {
	FindByName(projectID, name string) (*channels.Channel, error)
	Create(projectID, name, description, purpose, createdBy string) (*channels.Channel, error)
	AddMember(channelID, sid string) error
}

// SpawnSpec carries everything the lifecycle needs to create a child minion.
type SpawnSpec struct {
	ProjectID            string
	Name                 string
	ParentID             string
	Level                int
	HordeID              string
	Capabilities         []string
	Model                string
	SystemPrompt         string
	SystemPromptOverride bool
}

// Lifecycle is the coordinator surface the controller drives: minion
// creation, startup, and cascading disposal with archival.
type Lifecycle interface {
	CreateMinion(ctx context.Context, spec SpawnSpec) (*session.Session, error)
	Start(ctx context.Context, sid string) error
	Delete(ctx context.Context, sid, reason string) error
}

// CommSender routes spawn/dispose notifications and initial tasks.
type CommSender interface {
	Send(ctx context.Context, comm *comms.Comm) error
}

// BroadcastFunc notifies transport observers that a legion's roster changed.
type BroadcastFunc func(projectID string)

// Controller implements spawn and dispose with parent authority.
type Controller struct {
	sessions     Sessions
	projects     Projects
	channels     Channels
	capabilities *Registry
	hordes       *Hordes
	lifecycle    Lifecycle
	comms        CommSender
	broadcast    BroadcastFunc

	logger *logger.Logger
}

// NewController wires the hierarchy controller. broadcast may be nil.
func NewController(sessions Sessions, projects Projects, chans Channels, capabilities *Registry, hordes *Hordes, lifecycle Lifecycle, commSender CommSender, broadcast BroadcastFunc, log *logger.Logger) *Controller {
	return &Controller{
		sessions:     sessions,
		projects:     projects,
		channels:     chans,
		capabilities: capabilities,
		hordes:       hordes,
		lifecycle:    lifecycle,
		comms:        commSender,
		broadcast:    broadcast,
		logger:       log.WithFields(zap.String("component", "overseer-controller")),
	}
}

// SpawnParams is the request surface of Spawn, as exposed through the
// spawn_minion tool.
type SpawnParams struct {
	ParentID     string
	Name         string
	Task         string
	Capabilities []string
	Channels     []string
	Model        string
	SystemPrompt string
}

// Spawn creates a child minion under the parent, registers it in the
// hierarchy, joins requested channels, announces the spawn, and starts the
// child. The spawned child becomes the first task recipient when Task is
// non-empty.
func (c *Controller) Spawn(ctx context.Context, params SpawnParams) (*session.Session, error) {
	parent, err := c.sessions.Get(params.ParentID)
	if err != nil {
		return nil, apperr.Validation("spawn: parent %s does not exist", params.ParentID)
	}
	proj, err := c.projects.Get(parent.ProjectID)
	if err != nil {
		return nil, apperr.Validation("spawn: legion %s does not exist", parent.ProjectID)
	}
	if params.Name == "" {
		return nil, apperr.Validation("spawn: minion name must not be empty")
	}
	if _, exists := c.sessions.FindByName(proj.ID, params.Name); exists {
		return nil, apperr.Validation("spawn: minion name %q already exists in this legion", params.Name)
	}
	if len(proj.SessionIDs) >= proj.MinionCap {
		return nil, apperr.Validation("spawn: legion is at its minion cap (%d)", proj.MinionCap)
	}

	horde, err := c.hordes.EnsureForRoot(c.hordeRootFor(parent))
	if err != nil {
		return nil, err
	}
	if parent.HordeID == "" {
		if _, err := c.sessions.Update(parent.ID, func(s *session.Session) error {
			s.HordeID = horde.ID
			return nil
		}); err != nil {
			return nil, err
		}
	}

	child, err := c.lifecycle.CreateMinion(ctx, SpawnSpec{
		ProjectID:    proj.ID,
		Name:         params.Name,
		ParentID:     parent.ID,
		Level:        parent.OverseerLevel + 1,
		HordeID:      horde.ID,
		Capabilities: params.Capabilities,
		Model:        params.Model,
		SystemPrompt: params.SystemPrompt,
	})
	if err != nil {
		return nil, err
	}

	log := c.logger.WithSession(child.ID).WithFields(
		zap.String("parent_id", parent.ID), zap.String("name", child.Name))

	if _, err := c.sessions.Update(parent.ID, func(s *session.Session) error {
		if !slices.Contains(s.ChildIDs, child.ID) {
			s.ChildIDs = append(s.ChildIDs, child.ID)
		}
		s.IsOverseer = true
		return nil
	}); err != nil {
		return nil, fmt.Errorf("register child on parent: %w", err)
	}

	c.capabilities.Register(child.ID, params.Capabilities)
	if err := c.hordes.Join(horde.ID, child.ID); err != nil {
		log.Warn("failed to join horde", zap.Error(err))
	}
	c.joinChannels(child.ID, proj.ID, params.Channels, log)

	c.announce(ctx, &comms.Comm{
		ProjectID:     proj.ID,
		FromMinionID:  parent.ID,
		ToUser:        true,
		Type:          comms.TypeSpawn,
		Priority:      comms.PriorityRoutine,
		Summary:       fmt.Sprintf("Spawned minion %s", child.Name),
		Content:       fmt.Sprintf("Minion %s was spawned under %s.", child.Name, parent.Name),
		VisibleToUser: true,
	})

	if err := c.lifecycle.Start(ctx, child.ID); err != nil {
		log.Warn("spawned minion failed to start", zap.Error(err))
	}

	if params.Task != "" {
		if err := c.comms.Send(ctx, &comms.Comm{
			ProjectID:     proj.ID,
			FromMinionID:  parent.ID,
			ToMinionID:    child.ID,
			Type:          comms.TypeTask,
			Priority:      comms.PriorityRoutine,
			Summary:       fmt.Sprintf("Initial task for %s", child.Name),
			Content:       params.Task,
			VisibleToUser: true,
		}); err != nil {
			log.Warn("failed to deliver initial task", zap.Error(err))
		}
	}

	if c.broadcast != nil {
		c.broadcast(proj.ID)
	}
	log.Info("minion spawned", zap.Int("level", child.OverseerLevel))
	return child, nil
}

// hordeRootFor resolves which horde root the parent belongs to: its own
// horde's root when it already has one, itself otherwise.
func (c *Controller) hordeRootFor(parent *session.Session) string {
	if parent.HordeID == "" {
		return parent.ID
	}
	if h, err := c.hordes.Get(parent.HordeID); err == nil {
		return h.RootID
	}
	return parent.ID
}

func (c *Controller) joinChannels(sid, projectID string, names []string, log *logger.Logger) {
	for _, name := range names {
		ch, err := c.channels.FindByName(projectID, name)
		if errors.Is(err, channels.ErrNotFound) {
			ch, err = c.channels.Create(projectID, name, "", "", sid)
		}
		if err != nil {
			log.Warn("failed to resolve channel for spawn",
				zap.String("channel", name), zap.Error(err))
			continue
		}
		if err := c.channels.AddMember(ch.ID, sid); err != nil {
			log.Warn("failed to join channel at spawn",
				zap.String("channel", ch.Name), zap.Error(err))
		}
	}
}

// Dispose terminates and archives a child minion by name, recursing through
// its own descendants first. Only the direct parent may dispose a child.
func (c *Controller) Dispose(ctx context.Context, parentID, childName, reason string) error {
	parent, err := c.sessions.Get(parentID)
	if err != nil {
		return apperr.Validation("dispose: parent %s does not exist", parentID)
	}

	var child *session.Session
	for _, cid := range parent.ChildIDs {
		s, err := c.sessions.Get(cid)
		if err != nil {
			continue
		}
		if s.Name == childName {
			child = s
			break
		}
	}
	if child == nil {
		return apperr.Validation("dispose: %s has no child named %q", parent.Name, childName)
	}
	if child.ParentID != parent.ID {
		return apperr.Validation("dispose: %s is not the parent of %s", parent.Name, childName)
	}

	descendants := c.countDescendants(child.ID)
	if reason == "" {
		reason = "disposed by " + parent.Name
	}

	if err := c.lifecycle.Delete(ctx, child.ID, reason); err != nil {
		return err
	}

	c.announce(ctx, &comms.Comm{
		ProjectID:     parent.ProjectID,
		FromMinionID:  parent.ID,
		ToUser:        true,
		Type:          comms.TypeDispose,
		Priority:      comms.PriorityRoutine,
		Summary:       fmt.Sprintf("Disposed minion %s", childName),
		Content:       fmt.Sprintf("Minion %s was disposed (%s), including %d descendant(s).", childName, reason, descendants),
		VisibleToUser: true,
	})
	if c.broadcast != nil {
		c.broadcast(parent.ProjectID)
	}
	c.logger.WithSession(child.ID).Info("minion disposed",
		zap.String("parent_id", parent.ID), zap.Int("descendants", descendants))
	return nil
}

// countDescendants walks the child tree, tolerating dangling references.
func (c *Controller) countDescendants(sid string) int {
	s, err := c.sessions.Get(sid)
	if err != nil {
		return 0
	}
	count := 0
	for _, cid := range s.ChildIDs {
		if _, err := c.sessions.Get(cid); err != nil {
			continue
		}
		count += 1 + c.countDescendants(cid)
	}
	return count
}

func (c *Controller) announce(ctx context.Context, comm *comms.Comm) {
	if err := c.comms.Send(ctx, comm); err != nil {
		c.logger.Warn("failed to route hierarchy comm",
			zap.String("type", string(comm.Type)), zap.Error(err))
	}
}
