package cluster

import (
	"slices"

	"memlog/pkg/types"
)

// Service is a role a server offers to the cluster.
type Service string

const (
	MasterService Service = "master"
	BackupService Service = "backup"
)

// ServerInfo is what a node publishes about itself on registration.
type ServerInfo struct {
	ID       types.ServerID `json:"id"`
	Locator  string         `json:"locator"` // "http://backup1:8080"
	Services []Service      `json:"services"`
}

func (s ServerInfo) Has(svc Service) bool {
	return slices.Contains(s.Services, svc)
}
