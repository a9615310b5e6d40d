package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Katsud0n0/final-jd-21/internal/domain"
	"github.com/Katsud0n0/final-jd-21/internal/repo"
)

// The city department directory shipped with the original dataset.
var defaultDepartments = []domain.Department{
	{ID: "water", Name: "Water Supply", Icon: "W", Color: "blue", Description: "Responsible for clean water distribution, maintenance of water infrastructure, and quality testing."},
	{ID: "electricity", Name: "Electricity", Icon: "E", Color: "yellow", Description: "Manages power distribution, electrical infrastructure, and handles power-related complaints."},
	{ID: "health", Name: "Health", Icon: "H", Color: "red", Description: "Oversees public health initiatives, medical facilities, and healthcare programs across the city."},
	{ID: "education", Name: "Education", Icon: "E", Color: "green", Description: "Responsible for schools, educational programs, teacher training, and academic infrastructure."},
	{ID: "sanitation", Name: "Sanitation", Icon: "S", Color: "purple", Description: "Handles waste management, sewage systems, and maintains cleanliness throughout the city."},
	{ID: "public-works", Name: "Public Works", Icon: "P", Color: "orange", Description: "Maintains roads, bridges, public buildings, and city infrastructure projects."},
}

// Seed ensures the department directory exists and, when the user table is
// empty, creates a local admin so the CLI works out of the box.
func Seed(ctx context.Context, r repo.Repo) error {
	for _, d := range defaultDepartments {
		if err := r.InsertDepartment(ctx, d); err != nil {
			return fmt.Errorf("seed department %s: %w", d.ID, err)
		}
	}
	users, err := r.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(users) > 0 {
		return nil
	}
	admin := domain.User{
		ID:         uuid.New().String(),
		Username:   "admin",
		FullName:   "Local Admin",
		Department: "Public Works",
		Role:       "admin",
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.InsertUser(ctx, admin); err != nil {
		return fmt.Errorf("seed admin user: %w", err)
	}
	return nil
}

// EnsureUser creates a user record on first sight of a username, defaulting
// the department. Used by the CLI so local operations need no signup step.
func EnsureUser(ctx context.Context, r repo.Repo, username, department string) (domain.User, error) {
	u, err := r.GetUserByUsername(ctx, username)
	if err == nil {
		return u, nil
	}
	if department == "" {
		department = "Public Works"
	}
	u = domain.User{
		ID:         uuid.New().String(),
		Username:   username,
		Department: department,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.InsertUser(ctx, u); err != nil {
		return domain.User{}, fmt.Errorf("create user %s: %w", username, err)
	}
	return u, nil
}
