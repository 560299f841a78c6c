// Package mcp serves the job service as Model Context Protocol tools over
// stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-jobs/internal/api"
	"github.com/djlord-it/easy-jobs/internal/cron"
	"github.com/djlord-it/easy-jobs/internal/domain"
	"github.com/djlord-it/easy-jobs/internal/ledger"
)

const (
	defaultPreviewCount = 5
	maxPreviewCount     = 50
)

type Server struct {
	jobs        api.JobService
	invocations api.InvocationReader
	parser      *cron.Parser
	logger      *zap.SugaredLogger
	clock       func() time.Time
}

func NewServer(jobs api.JobService, invocations api.InvocationReader, parser *cron.Parser) *Server {
	return &Server{
		jobs:        jobs,
		invocations: invocations,
		parser:      parser,
		logger:      zap.NewNop().Sugar(),
		clock:       time.Now,
	}
}

func (s *Server) WithLogger(l *zap.SugaredLogger) *Server {
	s.logger = l
	return s
}

func (s *Server) WithClock(clock func() time.Time) *Server {
	s.clock = clock
	return s
}

// ServeStdio blocks serving tools on stdin/stdout.
func (s *Server) ServeStdio(version string) error {
	s.logger.Infow("mcp server starting on stdio", "version", version)
	return server.ServeStdio(s.MCPServer(version))
}

// MCPServer builds the protocol server with every tool registered.
func (s *Server) MCPServer(version string) *server.MCPServer {
	srv := server.NewMCPServer("easyjobs", version, server.WithToolCapabilities(true))
	s.registerTools(srv)
	return srv
}

func (s *Server) registerTools(srv *server.MCPServer) {
	srv.AddTool(mcp.NewTool("jobs_create",
		mcp.WithDescription("Create a job that runs immediately, once at executeAt, or on a cron/rate scheduleExpression"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Job name")),
		mcp.WithString("type", mcp.Required(),
			mcp.Description("immediate, once or cron"),
			mcp.Enum(string(domain.JobTypeImmediate), string(domain.JobTypeOnce), string(domain.JobTypeCron)),
		),
		mcp.WithString("description", mcp.Description("Free-form description")),
		mcp.WithString("scheduleExpression", mcp.Description("Required for cron jobs, e.g. '*/5 * * * *' or 'rate(15 minutes)'")),
		mcp.WithString("executeAt", mcp.Description("Required for once jobs: RFC 3339 time in the future")),
		mcp.WithObject("payload", mcp.Description("JSON object handed to the executor; payload.action selects the handler")),
	), s.handleCreate)

	srv.AddTool(mcp.NewTool("jobs_list",
		mcp.WithDescription("List jobs, newest first"),
		mcp.WithString("type", mcp.Enum(string(domain.JobTypeImmediate), string(domain.JobTypeOnce), string(domain.JobTypeCron))),
		mcp.WithString("status", mcp.Enum(
			string(domain.JobStatusScheduled), string(domain.JobStatusExecuting),
			string(domain.JobStatusCompleted), string(domain.JobStatusFailed),
		)),
		mcp.WithNumber("limit", mcp.Description("Maximum jobs to return, default 100"), mcp.Min(1), mcp.Max(1000)),
	), s.handleList)

	srv.AddTool(mcp.NewTool("jobs_get",
		mcp.WithDescription("Get a job with its recent invocations and statistics"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Job ID")),
		mcp.WithNumber("invocationLimit", mcp.Description("Invocations to include, default 50"), mcp.Min(1), mcp.Max(1000)),
	), s.handleGet)

	srv.AddTool(mcp.NewTool("jobs_delete",
		mcp.WithDescription("Delete a job and its rule; invocation history is kept"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Job ID")),
	), s.handleDelete)

	srv.AddTool(mcp.NewTool("schedule_preview",
		mcp.WithDescription("Preview the next fire times of a cron, descriptor or rate expression (UTC)"),
		mcp.WithString("expression", mcp.Required(), mcp.Description("Schedule expression")),
		mcp.WithNumber("count", mcp.Description("Fire times to return, default 5"), mcp.Min(1), mcp.Max(maxPreviewCount)),
		mcp.WithString("after", mcp.Description("RFC 3339 start time, default now")),
	), s.handlePreview)
}

func (s *Server) handleCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	spec := domain.JobSpec{
		Name:               mcp.ParseString(req, "name", ""),
		Description:        mcp.ParseString(req, "description", ""),
		Type:               domain.JobType(mcp.ParseString(req, "type", "")),
		ScheduleExpression: mcp.ParseString(req, "scheduleExpression", ""),
		ExecuteAt:          mcp.ParseString(req, "executeAt", ""),
	}
	if raw := mcp.ParseArgument(req, "payload", nil); raw != nil {
		payload, err := json.Marshal(raw)
		if err != nil {
			return mcp.NewToolResultError("payload must be a JSON object"), nil
		}
		spec.Payload = payload
	}

	job, err := s.jobs.CreateJob(ctx, spec)
	if err != nil {
		return s.toolError("create job", err), nil
	}
	s.logger.Infow("job created via mcp", "job_id", job.ID, "type", job.Type)
	return jsonResult(api.NewJobResponse(job))
}

func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := domain.JobFilter{
		Type:   domain.JobType(mcp.ParseString(req, "type", "")),
		Status: domain.JobStatus(mcp.ParseString(req, "status", "")),
	}
	limit := mcp.ParseInt(req, "limit", api.DefaultLimit)

	jobs, err := s.jobs.ListJobs(ctx, filter, limit)
	if err != nil {
		return s.toolError("list jobs", err), nil
	}
	resp := api.ListJobsResponse{Count: len(jobs), Jobs: make([]api.JobResponse, len(jobs))}
	for i, j := range jobs {
		resp.Jobs[i] = api.NewJobResponse(j)
	}
	return jsonResult(resp)
}

func (s *Server) handleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := uuid.Parse(mcp.ParseString(req, "id", ""))
	if err != nil {
		return mcp.NewToolResultError("id must be a job UUID"), nil
	}
	limit := mcp.ParseInt(req, "invocationLimit", ledger.DefaultQueryLimit)

	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return s.toolError("get job", err), nil
	}
	invs, err := s.invocations.QueryByJob(ctx, id, domain.InvocationQuery{Limit: limit, NewestFirst: true})
	if err != nil {
		return s.toolError("list invocations", err), nil
	}
	stats, err := s.invocations.Statistics(ctx, id, ledger.DefaultStatisticsLimit)
	if err != nil {
		return s.toolError("invocation statistics", err), nil
	}

	resp := api.JobDetailResponse{
		Job:         api.NewJobResponse(job),
		Invocations: make([]api.InvocationResponse, len(invs)),
		Statistics:  stats,
	}
	for i, inv := range invs {
		resp.Invocations[i] = api.NewInvocationResponse(inv)
	}
	return jsonResult(resp)
}

func (s *Server) handleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := uuid.Parse(mcp.ParseString(req, "id", ""))
	if err != nil {
		return mcp.NewToolResultError("id must be a job UUID"), nil
	}
	if err := s.jobs.DeleteJob(ctx, id); err != nil {
		return s.toolError("delete job", err), nil
	}
	return jsonResult(api.DeleteJobResponse{Message: "job deleted", JobID: id.String()})
}

type previewResponse struct {
	Expression string   `json:"expression"`
	Next       []string `json:"next"`
}

func (s *Server) handlePreview(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	expr := mcp.ParseString(req, "expression", "")
	count := mcp.ParseInt(req, "count", defaultPreviewCount)
	if count <= 0 || count > maxPreviewCount {
		return mcp.NewToolResultError(fmt.Sprintf("count must be between 1 and %d", maxPreviewCount)), nil
	}

	after := s.clock().UTC()
	if raw := mcp.ParseString(req, "after", ""); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return mcp.NewToolResultError("after must be an RFC 3339 timestamp"), nil
		}
		after = t.UTC()
	}

	sched, err := s.parser.Parse(expr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid expression: %v", err)), nil
	}

	resp := previewResponse{Expression: expr}
	for _, t := range cron.NextN(sched, after, count) {
		resp.Next = append(resp.Next, t.Format(time.RFC3339))
	}
	return jsonResult(resp)
}

// toolError reports client mistakes verbatim and hides internal detail.
func (s *Server) toolError(op string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return mcp.NewToolResultError(err.Error())
	case domain.IsNotFound(err):
		return mcp.NewToolResultError("job not found")
	case errors.Is(err, domain.ErrScheduling):
		s.logger.Warnw(op+" failed", "error", err)
		return mcp.NewToolResultError("failed to schedule job")
	default:
		s.logger.Errorw(op+" failed", "error", err)
		return mcp.NewToolResultError(op + " failed")
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encode tool result")
	}
	return mcp.NewToolResultText(string(out)), nil
}
