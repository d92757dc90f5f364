package testutil

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/livinlefevreloca/aapsync/internal/db"
)

// Record is one JSON object served by FakeAAP
type Record = map[string]any

// FakeAAP is an in-process stand-in for the REST API of an automation
// platform cluster. It serves paginated jobs, host summaries,
// organizations and job templates, checks bearer tokens and implements
// the refresh token grant.
type FakeAAP struct {
	Server *httptest.Server

	mu            sync.Mutex
	version       string
	accessToken   string
	refreshToken  string
	refreshes     int
	jobs          []Record
	hostSummaries map[int64][]Record
	organizations []Record
	templates     []Record
	failures      map[string]int
	requests      []string
}

// NewFakeAAP starts a fake cluster speaking the given API version ("2.4"
// or "2.5"). The server is closed when the test ends.
func NewFakeAAP(t testing.TB, version string) *FakeAAP {
	t.Helper()

	f := &FakeAAP{
		version:       version,
		accessToken:   "access-0",
		refreshToken:  "refresh-0",
		hostSummaries: make(map[int64][]Record),
		failures:      make(map[string]int),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Server.Close)
	return f
}

// Cluster inserts a cluster row pointing at the fake server and holding
// its current tokens
func (f *FakeAAP) Cluster(t testing.TB, database *db.DB) *db.Cluster {
	t.Helper()

	u, err := url.Parse(f.Server.URL)
	if err != nil {
		t.Fatalf("failed to parse server url: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("failed to split server address: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	f.mu.Lock()
	c := &db.Cluster{
		Protocol:     "http",
		Address:      host,
		Port:         port,
		VerifySSL:    true,
		AccessToken:  f.accessToken,
		RefreshToken: f.refreshToken,
		ClientID:     "client",
		ClientSecret: "secret",
	}
	f.mu.Unlock()

	if err := db.CreateCluster(context.Background(), database, c); err != nil {
		t.Fatalf("failed to create cluster: %v", err)
	}
	return c
}

// ExpireToken rotates the server side access token so the next request
// with the old one gets a 401
func (f *FakeAAP) ExpireToken() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accessToken = "expired-" + f.accessToken
}

// Refreshes returns how many refresh grants were served
func (f *FakeAAP) Refreshes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

// AddJobs appends job records
func (f *FakeAAP) AddJobs(jobs ...Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, jobs...)
}

// SetHostSummaries replaces the host summaries of one job
func (f *FakeAAP) SetHostSummaries(jobID int64, summaries ...Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hostSummaries[jobID] = summaries
}

// AddOrganizations appends organization records
func (f *FakeAAP) AddOrganizations(orgs ...Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.organizations = append(f.organizations, orgs...)
}

// AddJobTemplates appends job template records
func (f *FakeAAP) AddJobTemplates(templates ...Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.templates = append(f.templates, templates...)
}

// Fail makes every request whose path ends with suffix answer status.
// A zero status clears the failure.
func (f *FakeAAP) Fail(suffix string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status == 0 {
		delete(f.failures, suffix)
		return
	}
	f.failures[suffix] = status
}

// Requests returns the request URIs served so far
func (f *FakeAAP) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

// Prefix returns the API prefix of the served version
func (f *FakeAAP) Prefix() string {
	if f.version == "2.5" {
		return "/api/controller/v2"
	}
	return "/api/v2"
}

// JobRecord builds a job record with the related objects the API inlines
func JobRecord(id int64, name string, finished time.Time) Record {
	return Record{
		"id":          id,
		"name":        name,
		"description": "",
		"job_type":    "run",
		"launch_type": "manual",
		"status":      "successful",
		"failed":      false,
		"started":     finished.Add(-time.Minute).UTC().Format(time.RFC3339Nano),
		"finished":    finished.UTC().Format(time.RFC3339Nano),
		"elapsed":     60.0,
		"summary_fields": Record{
			"organization":          Record{"id": 1, "name": "Default", "description": "default org"},
			"job_template":          Record{"id": 10, "name": name, "description": ""},
			"created_by":            Record{"id": 5, "username": "admin"},
			"inventory":             Record{"id": 20, "name": "Demo Inventory"},
			"execution_environment": Record{"id": 30, "name": "Default EE"},
			"instance_group":        Record{"id": 40, "name": "default"},
			"project":               Record{"id": 50, "name": "Demo Project"},
			"labels": Record{
				"count":   1,
				"results": []any{Record{"id": 60, "name": "prod"}},
			},
		},
	}
}

// HostSummaryRecord builds a host summary record
func HostSummaryRecord(id, hostID int64, hostName string, ok, changed, failures int) Record {
	return Record{
		"id":        id,
		"host":      hostID,
		"host_name": hostName,
		"changed":   changed,
		"dark":      0,
		"failures":  failures,
		"ok":        ok,
		"processed": 1,
		"skipped":   0,
		"failed":    failures > 0,
		"ignored":   0,
		"rescued":   0,
		"summary_fields": Record{
			"host": Record{"id": hostID, "name": hostName},
		},
	}
}

func (f *FakeAAP) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.URL.RequestURI())

	for suffix, status := range f.failures {
		if strings.HasSuffix(r.URL.Path, suffix) {
			w.WriteHeader(status)
			return
		}
	}

	if r.URL.Path == "/o/token/" && r.Method == http.MethodPost {
		f.serveToken(w, r)
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+f.accessToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if r.URL.Path == "/api/gateway/v1/ping/" {
		if f.version != "2.5" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, Record{"version": "2.5", "pong": true})
		return
	}

	prefix := f.Prefix()
	if !strings.HasPrefix(r.URL.Path, prefix+"/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, prefix)

	switch {
	case path == "/ping/":
		writeJSON(w, Record{"version": "4.5.0", "active_node": "aap-1", "ha": false})
	case path == "/jobs/":
		f.servePage(w, r, f.filterJobs(r.URL.Query()))
	case path == "/organizations/":
		f.servePage(w, r, f.organizations)
	case path == "/job_templates/":
		f.servePage(w, r, f.templates)
	case strings.HasPrefix(path, "/jobs/") && strings.HasSuffix(path, "/job_host_summaries/"):
		idStr := strings.TrimSuffix(strings.TrimPrefix(path, "/jobs/"), "/job_host_summaries/")
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		f.servePage(w, r, f.hostSummaries[id])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *FakeAAP) serveToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") != f.refreshToken {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.refreshes++
	f.accessToken = fmt.Sprintf("access-%d", f.refreshes)
	f.refreshToken = fmt.Sprintf("refresh-%d", f.refreshes)
	writeJSON(w, Record{
		"access_token":  f.accessToken,
		"refresh_token": f.refreshToken,
		"token_type":    "Bearer",
		"expires_in":    36000,
	})
}

// filterJobs applies finished__gt and finished__lte and orders by finished.
// Records without a finished timestamp always match.
func (f *FakeAAP) filterJobs(query url.Values) []Record {
	parse := func(key string) *time.Time {
		v := query.Get(key)
		if v == "" {
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil
		}
		return &t
	}
	gt, lte := parse("finished__gt"), parse("finished__lte")

	var out []Record
	for _, job := range f.jobs {
		finished, ok := finishedOf(job)
		if ok && gt != nil && !finished.After(*gt) {
			continue
		}
		if ok && lte != nil && finished.After(*lte) {
			continue
		}
		out = append(out, job)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, _ := finishedOf(out[i])
		b, _ := finishedOf(out[j])
		return a.Before(b)
	})
	return out
}

func finishedOf(job Record) (time.Time, bool) {
	s, ok := job["finished"].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	return t, err == nil
}

func (f *FakeAAP) servePage(w http.ResponseWriter, r *http.Request, items []Record) {
	query := r.URL.Query()
	size, err := strconv.Atoi(query.Get("page_size"))
	if err != nil || size <= 0 {
		size = 25
	}
	pageNum, err := strconv.Atoi(query.Get("page"))
	if err != nil || pageNum <= 0 {
		pageNum = 1
	}

	start := min((pageNum-1)*size, len(items))
	end := min(start+size, len(items))

	var next any
	if end < len(items) {
		query.Set("page", strconv.Itoa(pageNum+1))
		next = r.URL.Path + "?" + query.Encode()
	}

	results := items[start:end]
	if results == nil {
		results = []Record{}
	}
	writeJSON(w, Record{
		"count":    len(items),
		"next":     next,
		"previous": nil,
		"results":  results,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
