// Package models holds the plain data shapes shared by pkg/catalog,
// pkg/cluster and the admin/HTTP surfaces: shard metadata, its catalog
// envelope, and health status. Adapted from the donor's pkg/models by
// dropping the control-plane-only request/response shapes (shard
// create/split/merge, query request/response) that belonged to the REST
// control plane this repo no longer has.
package models

import (
	"time"
)

// Shard describes one shard's identity, backend endpoints and the vnode set
// it owns on the consistent-hashing ring used for replica selection
// (spec.md §4.8).
type Shard struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	HashRangeStart  uint64    `json:"hash_range_start"`
	HashRangeEnd    uint64    `json:"hash_range_end"`
	PrimaryEndpoint string    `json:"primary_endpoint"`
	Replicas        []string  `json:"replicas"`
	Status          string    `json:"status"` // "active", "readonly", "inactive"
	Version         int64     `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	VNodes          []VNode   `json:"vnodes,omitempty"`
}

// VNode is a virtual node on the consistent-hashing ring.
type VNode struct {
	ID      uint64 `json:"id"`
	ShardID string `json:"shard_id"`
	Hash    uint64 `json:"hash"`
}

// ShardCatalog is the complete shard mapping as published by pkg/catalog.
type ShardCatalog struct {
	Version   int64     `json:"version"`
	Shards    []Shard   `json:"shards"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ShardHealth is one shard's last observed health. No package in this
// repository produces or consumes it; pkg/health reports through
// cluster.HealthSnapshot instead.
type ShardHealth struct {
	ShardID        string        `json:"shard_id"`
	Status         string        `json:"status"` // "healthy", "degraded", "unhealthy"
	ReplicationLag time.Duration `json:"replication_lag"`
	LastCheck      time.Time     `json:"last_check"`
	PrimaryUp      bool          `json:"primary_up"`
	ReplicasUp     []string      `json:"replicas_up"`
	ReplicasDown   []string      `json:"replicas_down"`
}
