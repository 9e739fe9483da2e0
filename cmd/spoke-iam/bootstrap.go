package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/spoke-iam/pkg/auth"
	"github.com/platinummonkey/spoke-iam/pkg/config"
	"github.com/platinummonkey/spoke-iam/pkg/rbac"
)

// bootstrapActor is recorded as the performer of startup mutations
var bootstrapActor = rbac.Actor{UserAgent: "spoke-iam/bootstrap"}

// bootstrap applies the RBAC seed file and creates the first administrator
// when they are configured
func bootstrap(ctx context.Context, cfg *config.Config, creds *auth.SQLCredentialStore, manager *rbac.Manager, logger *logrus.Logger) error {
	if cfg.RBAC.SeedFile != "" {
		if err := applySeedFile(ctx, cfg.RBAC.SeedFile, manager); err != nil {
			return err
		}
		logger.WithField("seed_file", cfg.RBAC.SeedFile).Info("Applied RBAC seed")
	}

	if cfg.RBAC.BootstrapUsername == "" {
		return nil
	}
	if len(cfg.RBAC.BootstrapPassword) == 0 {
		logger.WithField("username", cfg.RBAC.BootstrapUsername).Warn("Bootstrap username set without a password, skipping")
		return nil
	}
	created, err := ensureAdmin(ctx, creds, manager, cfg.RBAC.BootstrapUsername, cfg.RBAC.BootstrapRole,
		string(cfg.RBAC.BootstrapPassword), cfg.Auth.BcryptCost)
	if err != nil {
		return err
	}
	if created {
		logger.WithFields(logrus.Fields{
			"username": cfg.RBAC.BootstrapUsername,
			"role":     cfg.RBAC.BootstrapRole,
		}).Info("Created bootstrap administrator")
	}
	return nil
}

func applySeedFile(ctx context.Context, path string, manager *rbac.Manager) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open RBAC seed: %w", err)
	}
	defer f.Close()

	seed, err := rbac.LoadSeed(f)
	if err != nil {
		return err
	}
	return rbac.ApplySeed(ctx, manager, bootstrapActor, seed)
}

// ensureAdmin creates username holding roleName unless the principal already
// exists. A role created here is granted rbac.manage.
func ensureAdmin(ctx context.Context, creds *auth.SQLCredentialStore, manager *rbac.Manager, username, roleName, password string, cost int) (bool, error) {
	_, err := creds.FindByUsername(ctx, username)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, auth.ErrPrincipalNotFound) {
		return false, err
	}

	role, err := adminRole(ctx, manager, roleName)
	if err != nil {
		return false, err
	}

	hash, err := auth.HashPassword(password, cost)
	if err != nil {
		return false, err
	}
	principal := &auth.Principal{Username: username, PasswordHash: hash, EmailVerified: true, IsActive: true}
	if err := creds.CreatePrincipal(ctx, principal); err != nil {
		return false, err
	}

	_, err = manager.AssignRole(ctx, bootstrapActor, rbac.AssignmentInput{
		PrincipalID: principal.ID,
		RoleID:      role.ID,
		Notes:       "bootstrap",
	})
	if err != nil {
		return false, fmt.Errorf("failed to assign bootstrap role: %w", err)
	}
	return true, nil
}

func adminRole(ctx context.Context, manager *rbac.Manager, roleName string) (*rbac.Role, error) {
	store := manager.Store()
	role, err := store.GetRoleByName(ctx, rbac.NewRoleName(roleName))
	if err == nil {
		return role, nil
	}
	if !errors.Is(err, rbac.ErrRoleNotFound) {
		return nil, err
	}

	role, err = manager.CreateRole(ctx, bootstrapActor, rbac.RoleInput{
		Name:        roleName,
		Description: "Administrators of roles and permissions",
	})
	if err != nil {
		return nil, err
	}

	perm, err := store.GetPermissionByName(ctx, rbac.ManagePermission)
	if errors.Is(err, rbac.ErrPermissionNotFound) {
		perm, err = manager.CreatePermission(ctx, bootstrapActor, string(rbac.ManagePermission), "admin")
	}
	if err != nil {
		return nil, err
	}
	if err := manager.SetRolePermissions(ctx, bootstrapActor, role.ID, []int64{perm.ID}); err != nil {
		return nil, err
	}
	return role, nil
}
