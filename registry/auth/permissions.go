package auth

import (
	"context"
	"errors"
	"fmt"

	dcontext "github.com/quay/quay-sub006/context"
	"github.com/quay/quay-sub006/registry/datastore"
	"github.com/quay/quay-sub006/registry/datastore/models"
)

// PermissionConfig holds the options that influence which actions a caller is granted.
type PermissionConfig struct {
	AnonymousPulls           bool
	ProxyCache               bool
	CreateNamespaceOnPush    bool
	CreatePrivateRepoOnPush  bool
	GlobalReadOnlySuperUsers []string
	SuperUsers               []string
	// RestrictedUsers stops users other than superusers from creating namespaces or creating content in their own
	// namespace. Organization admins may still create repositories.
	RestrictedUsers bool
}

// PermissionChecker answers repository permission questions against the metadata database.
type PermissionChecker struct {
	db  datastore.Handler
	cfg PermissionConfig
}

// NewPermissionChecker builds a PermissionChecker.
func NewPermissionChecker(db datastore.Handler, cfg PermissionConfig) *PermissionChecker {
	return &PermissionChecker{db: db, cfg: cfg}
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func (pc *PermissionChecker) isSuperUser(ac AuthContext) bool {
	return !ac.IsAnonymous() && contains(pc.cfg.SuperUsers, ac.Username)
}

func (pc *PermissionChecker) isGlobalReader(ac AuthContext) bool {
	return !ac.IsAnonymous() && (contains(pc.cfg.GlobalReadOnlySuperUsers, ac.Username) || pc.isSuperUser(ac))
}

// RoleFor returns the role of the caller on a repository. An empty role means no explicit permission applies.
func (pc *PermissionChecker) RoleFor(ctx context.Context, ac AuthContext, repo *models.Repository) (models.Role, error) {
	if ac.IsAnonymous() {
		return "", nil
	}
	if pc.isSuperUser(ac) {
		return models.RoleAdmin, nil
	}
	return datastore.NewPermissionStore(pc.db).RoleFor(ctx, repo.ID, ac.UserID)
}

// CanRead reports whether the caller may pull from the repository.
func (pc *PermissionChecker) CanRead(ctx context.Context, ac AuthContext, repo *models.Repository) (bool, error) {
	if repo.Visibility == models.VisibilityPublic && (pc.cfg.AnonymousPulls || !ac.IsAnonymous()) {
		return true, nil
	}
	if pc.isGlobalReader(ac) {
		return true, nil
	}
	role, err := pc.RoleFor(ctx, ac, repo)
	if err != nil {
		return false, err
	}
	if role.Includes(models.RoleRead) {
		return true, nil
	}
	if pc.cfg.ProxyCache && !ac.IsAnonymous() {
		ns, err := datastore.NewNamespaceStore(pc.db).FindByID(ctx, repo.NamespaceID)
		if err != nil {
			return false, err
		}
		if ns != nil && ns.ProxyCacheUpstream.Valid {
			return datastore.NewNamespaceStore(pc.db).IsMember(ctx, ns.ID, ac.UserID)
		}
	}
	return false, nil
}

// canCreate reports whether the caller may create repositories in the namespace.
func (pc *PermissionChecker) canCreate(ctx context.Context, db datastore.Queryer, ac AuthContext, ns *models.Namespace) (bool, error) {
	if ac.IsAnonymous() || ac.IsRobot {
		return false, nil
	}
	if pc.isSuperUser(ac) {
		return true, nil
	}
	if ns.ID == ac.UserID {
		return !pc.cfg.RestrictedUsers, nil
	}
	if !ns.IsOrganization {
		return false, nil
	}
	return datastore.NewNamespaceStore(db).IsAdmin(ctx, ns.ID, ac.UserID)
}

// Authorize resolves the actions of scope the caller is granted, down-scoping silently. When push is requested on a
// repository that does not exist yet and the caller may create it, the repository is created with the caller as
// admin.
func (pc *PermissionChecker) Authorize(ctx context.Context, ac AuthContext, scope *Scope) (*ResourceActions, error) {
	log := dcontext.GetLoggerWithFields(ctx, map[interface{}]interface{}{
		"namespace":  scope.Namespace,
		"repository": scope.Repository,
		"actions":    scope.Actions,
	})

	nss := datastore.NewNamespaceStore(pc.db)
	ns, err := nss.FindByName(ctx, scope.Namespace)
	if err != nil {
		return nil, fmt.Errorf("finding namespace: %w", err)
	}
	if ns != nil && !ns.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrNamespaceDisabled, scope.Namespace)
	}

	var repo *models.Repository
	if ns != nil {
		repo, err = datastore.NewRepositoryStore(pc.db).FindByPath(ctx, scope.Namespace, scope.Repository)
		if err != nil {
			return nil, fmt.Errorf("finding repository: %w", err)
		}
	}
	if repo != nil && repo.State == models.RepositoryStateMarkedForDeletion {
		return nil, ErrRepositoryUnknown
	}
	if repo != nil && repo.Kind != models.RepositoryKindImage && len(scope.Actions) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedRepositoryKind, repo.Kind)
	}

	granted := make([]string, 0, len(scope.Actions))

	if scope.Requests(ActionPush) && !ac.IsAnonymous() {
		switch {
		case repo == nil:
			created, err := pc.createOnPush(ctx, ac, ns, scope)
			if err != nil {
				return nil, err
			}
			if created != nil {
				repo = created
				granted = append(granted, ActionPush)
			} else {
				log.Debug("no permission to create repository")
			}
		default:
			role, err := pc.RoleFor(ctx, ac, repo)
			if err != nil {
				return nil, err
			}
			if !role.Includes(models.RoleWrite) {
				log.Debug("no permission to modify repository")
				break
			}
			switch repo.State {
			case models.RepositoryStateNormal:
				granted = append(granted, ActionPush)
			case models.RepositoryStateMirror:
				if repo.MirrorRobotID.Valid && ac.IsRobot && repo.MirrorRobotID.Int64 == ac.UserID {
					granted = append(granted, ActionPush)
				} else {
					log.Debug("push to mirror requested by a caller other than the mirror robot")
				}
			case models.RepositoryStateReadOnly:
			default:
				log.WithField("state", repo.State).Warn("unknown repository state")
			}
		}
	}

	if scope.Requests(ActionPull) && repo != nil {
		ok, err := pc.CanRead(ctx, ac, repo)
		if err != nil {
			return nil, err
		}
		if ok {
			granted = append(granted, ActionPull)
		} else {
			log.Debug("no permission to pull repository")
		}
	}

	if scope.Requests(ActionAll) && repo != nil {
		role, err := pc.RoleFor(ctx, ac, repo)
		if err != nil {
			return nil, err
		}
		if role == models.RoleAdmin && repo.State == models.RepositoryStateNormal {
			granted = append(granted, ActionAll)
		} else {
			log.Debug("no permission to administer repository")
		}
	}

	return &ResourceActions{Type: "repository", Name: scope.RegistryAndRepository, Actions: granted}, nil
}

func (pc *PermissionChecker) createOnPush(ctx context.Context, ac AuthContext, ns *models.Namespace, scope *Scope) (*models.Repository, error) {
	var repo *models.Repository

	err := datastore.WithTransaction(ctx, pc.db, func(tx datastore.Transactor) error {
		nss := datastore.NewNamespaceStore(tx)
		if ns == nil {
			if !pc.cfg.CreateNamespaceOnPush || ac.IsRobot || (pc.cfg.RestrictedUsers && !pc.isSuperUser(ac)) {
				return nil
			}
			ns = &models.Namespace{Username: scope.Namespace, Enabled: true, IsOrganization: true}
			if err := nss.CreateOrFind(ctx, ns); err != nil {
				return fmt.Errorf("creating namespace on push: %w", err)
			}
			if err := nss.AddMember(ctx, ns.ID, ac.UserID, true); err != nil {
				return fmt.Errorf("creating namespace on push: %w", err)
			}
		}

		ok, err := pc.canCreate(ctx, tx, ac, ns)
		if err != nil || !ok {
			return err
		}

		visibility := models.VisibilityPublic
		if pc.cfg.CreatePrivateRepoOnPush {
			visibility = models.VisibilityPrivate
		}
		r := &models.Repository{NamespaceID: ns.ID, Name: scope.Repository, Visibility: visibility, NamespaceName: ns.Username}
		rs := datastore.NewRepositoryStore(tx)
		if err := rs.Create(ctx, r); err != nil {
			if !errors.Is(err, datastore.ErrAlreadyExists) {
				return err
			}
			r, err = rs.FindByPath(ctx, ns.Username, scope.Repository)
			if err != nil {
				return err
			}
		} else if err := datastore.NewPermissionStore(tx).Grant(ctx, &models.RepositoryPermission{
			RepositoryID: r.ID,
			NamespaceID:  ac.UserID,
			Role:         models.RoleAdmin,
		}); err != nil {
			return err
		}
		repo = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating repository on push: %w", err)
	}

	return repo, nil
}

// CanListAll reports whether the catalog lists every repository of the registry for the caller.
func (pc *PermissionChecker) CanListAll(ac AuthContext) bool {
	return pc.isGlobalReader(ac)
}
