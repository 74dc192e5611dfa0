package models

import "time"

// Repo represents a tracked repository whose pull requests are watched.
type Repo struct {
	ID        string
	Name      string
	Path      string
	RepoURL   string
	CreatedAt time.Time
	UpdatedAt time.Time
}
