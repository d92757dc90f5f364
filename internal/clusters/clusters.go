// Package clusters loads the cluster inventory from a YAML file and
// creates operator requested sync work for a cluster.
package clusters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/livinlefevreloca/aapsync/internal/db"
	"github.com/livinlefevreloca/aapsync/internal/schedules"
)

// File is the cluster inventory document
//
//	clusters:
//	  - protocol: https
//	    address: aap.example.com
//	    port: 443
//	    client_id: reporting
//	    client_secret: s3cret
//	    access_token: ...
//	    refresh_token: ...
//	    schedules:
//	      - name: hourly
//	        rrule: "DTSTART:20260101T000000Z RRULE:FREQ=HOURLY"
type File struct {
	Clusters []Cluster `yaml:"clusters"`
}

// Cluster describes one cluster and its sync schedules
type Cluster struct {
	Protocol     string     `yaml:"protocol"`
	Address      string     `yaml:"address"`
	Port         int        `yaml:"port"`
	VerifySSL    *bool      `yaml:"verify_ssl"`
	AccessToken  string     `yaml:"access_token"`
	RefreshToken string     `yaml:"refresh_token"`
	ClientID     string     `yaml:"client_id"`
	ClientSecret string     `yaml:"client_secret"`
	Schedules    []Schedule `yaml:"schedules"`
}

// Schedule is a named recurrence rule of a cluster
type Schedule struct {
	Name    string `yaml:"name"`
	RRule   string `yaml:"rrule"`
	Enabled *bool  `yaml:"enabled"`
}

// ImportResult counts what an import changed
type ImportResult struct {
	ClustersCreated  int
	ClustersUpdated  int
	SchedulesCreated int
	SchedulesUpdated int
}

// LoadFile reads and validates an inventory file
func LoadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// Load decodes and validates an inventory document. Missing protocol and
// port default to https and 443.
func Load(r io.Reader) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode cluster file: %w", err)
	}

	for i := range file.Clusters {
		c := &file.Clusters[i]
		if c.Protocol == "" {
			c.Protocol = "https"
		}
		if c.Port == 0 {
			c.Port = 443
		}
	}
	if err := file.Validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

// Validate checks every entry, reporting all problems at once
func (f *File) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for i, c := range f.Clusters {
		key := fmt.Sprintf("%s://%s:%d", c.Protocol, c.Address, c.Port)
		switch {
		case c.Address == "":
			errs = append(errs, fmt.Errorf("cluster %d: address is required", i))
		case c.Protocol != "http" && c.Protocol != "https":
			errs = append(errs, fmt.Errorf("cluster %s: unsupported protocol %q", key, c.Protocol))
		case c.Port < 1 || c.Port > 65535:
			errs = append(errs, fmt.Errorf("cluster %s: port out of range", key))
		case seen[key]:
			errs = append(errs, fmt.Errorf("cluster %s: listed twice", key))
		}
		seen[key] = true

		names := make(map[string]bool)
		for _, s := range c.Schedules {
			if s.Name == "" || s.RRule == "" {
				errs = append(errs, fmt.Errorf("cluster %s: schedules need a name and an rrule", key))
				continue
			}
			if names[s.Name] {
				errs = append(errs, fmt.Errorf("cluster %s: schedule %q listed twice", key, s.Name))
			}
			names[s.Name] = true
		}
	}
	return errors.Join(errs...)
}

// Import upserts every cluster of file, matched by protocol, address and
// port, and its named schedules in one transaction. Sync state of existing
// clusters is kept.
func Import(ctx context.Context, database *db.DB, file *File, logger *slog.Logger) (ImportResult, error) {
	var result ImportResult
	err := database.WithTransaction(ctx, func(tx *db.Tx) error {
		result = ImportResult{}
		now := time.Now().UTC()
		for _, spec := range file.Clusters {
			cluster, created, err := upsertCluster(ctx, tx, spec)
			if err != nil {
				return err
			}
			if created {
				result.ClustersCreated++
				logger.Info("cluster added", "cluster", cluster.BaseURL(), "cluster_id", cluster.ID)
			} else {
				result.ClustersUpdated++
			}

			for _, s := range spec.Schedules {
				created, err := upsertSchedule(ctx, tx, cluster.ID, s, now)
				if err != nil {
					return fmt.Errorf("schedule %q of %s: %w", s.Name, cluster.BaseURL(), err)
				}
				if created {
					result.SchedulesCreated++
				} else {
					result.SchedulesUpdated++
				}
			}
		}
		return nil
	})
	return result, err
}

func upsertCluster(ctx context.Context, q db.Querier, spec Cluster) (*db.Cluster, bool, error) {
	existing, err := db.FindClusterByAddress(ctx, q, spec.Protocol, spec.Address, spec.Port)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, false, err
	}

	if existing == nil {
		c := &db.Cluster{
			Protocol:     spec.Protocol,
			Address:      spec.Address,
			Port:         spec.Port,
			VerifySSL:    spec.VerifySSL == nil || *spec.VerifySSL,
			AccessToken:  spec.AccessToken,
			RefreshToken: spec.RefreshToken,
			ClientID:     spec.ClientID,
			ClientSecret: spec.ClientSecret,
		}
		if err := db.CreateCluster(ctx, q, c); err != nil {
			return nil, false, fmt.Errorf("create cluster %s: %w", c.BaseURL(), err)
		}
		return c, true, nil
	}

	if spec.VerifySSL != nil {
		existing.VerifySSL = *spec.VerifySSL
	}
	// Tokens rotate on refresh; only replace them when the file has new ones.
	if spec.AccessToken != "" {
		existing.AccessToken = spec.AccessToken
	}
	if spec.RefreshToken != "" {
		existing.RefreshToken = spec.RefreshToken
	}
	existing.ClientID = spec.ClientID
	existing.ClientSecret = spec.ClientSecret
	if err := db.UpdateCluster(ctx, q, existing); err != nil {
		return nil, false, fmt.Errorf("update cluster %s: %w", existing.BaseURL(), err)
	}
	return existing, false, nil
}

func upsertSchedule(ctx context.Context, q db.Querier, clusterID string, spec Schedule, now time.Time) (bool, error) {
	enabled := spec.Enabled == nil || *spec.Enabled

	existing, err := db.FindScheduleByName(ctx, q, clusterID, spec.Name)
	if errors.Is(err, db.ErrNotFound) {
		s := &db.Schedule{
			Name:      spec.Name,
			RRule:     spec.RRule,
			Enabled:   enabled,
			ClusterID: clusterID,
		}
		return true, schedules.SaveTx(ctx, q, s, now)
	}
	if err != nil {
		return false, err
	}

	existing.RRule = spec.RRule
	existing.Enabled = enabled
	return false, schedules.SaveTx(ctx, q, existing, now, db.ScheduleFieldRRule, db.ScheduleFieldEnabled)
}
