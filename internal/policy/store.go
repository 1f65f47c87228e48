package policy

import "context"

// Store persists policy layers. Put assigns the next Version.
type Store interface {
	GetSystem(ctx context.Context) (*Policy, error)
	GetUser(ctx context.Context, userID, projectID string) (*Policy, error)
	Put(ctx context.Context, p *Policy) (*Policy, error)
	DeleteUser(ctx context.Context, userID, projectID string) error
}

// SnapshotSource yields the layers in force for a (user, project).
type SnapshotSource interface {
	Snapshot(ctx context.Context, userID, projectID string) (*Snapshot, error)
}

// LoadSnapshot assembles a snapshot from a store. The system layer is
// required. The user layer is looked up for the project first, then for
// the user's project-wide default.
func LoadSnapshot(ctx context.Context, s Store, userID, projectID string) (*Snapshot, error) {
	sys, err := s.GetSystem(ctx)
	if err != nil {
		if err == ErrPolicyNotFound {
			return nil, ErrNoSystemPolicy
		}
		return nil, err
	}
	snap := &Snapshot{UserID: userID, ProjectID: projectID, System: sys}

	usr, err := s.GetUser(ctx, userID, projectID)
	if err == ErrPolicyNotFound && projectID != "" {
		usr, err = s.GetUser(ctx, userID, "")
	}
	switch err {
	case nil:
		snap.User = usr
	case ErrPolicyNotFound:
	default:
		return nil, err
	}
	return snap, nil
}
