package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"pledgeline/internal/domain"
	"pledgeline/internal/engine"
)

func registerParticipations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-participation",
		Method:        http.MethodPost,
		Path:          "/participations",
		Summary:       "Start a campaign participation",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body StartParticipationRequest `json:"body"`
	}) (*struct {
		Body engine.ParticipationResult `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		donor := input.Body.DonorID
		if strings.TrimSpace(donor) == "" {
			donor = actor.UserID
		}
		donorEmail := input.Body.DonorEmail
		if donorEmail == "" && donor == actor.UserID {
			donorEmail = actor.Email
		}
		res, err := e.StartParticipation(ctx, actor, engine.StartParticipationOptions{
			CampaignID:             input.Body.CampaignID,
			DonorID:                donor,
			DonorEmail:             donorEmail,
			OrganizationApproverID: input.Body.OrganizationApproverID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ParticipationResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "migrate-participation",
		Method:      http.MethodPost,
		Path:        "/owners/participant/{id}/migrate",
		Summary:     "Migrate a legacy task list to the versioned structure",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body engine.MigrationResult `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.MigrateTasks(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.MigrationResult `json:"body"`
		}{Body: res}, nil
	})
}

type taskPath struct {
	TaskID string `path:"task_id"`
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/owners/{kind}/{id}/tasks",
		Summary:     "List an owner's tasks in order",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *ownerPath) (*struct {
		Body engine.TaskList `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		owner, perr := input.owner()
		if perr != nil {
			return nil, perr
		}
		list, err := e.ListTasks(ctx, actor, owner)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TaskList `json:"body"`
		}{Body: list}, nil
	})

	taskErrors := []int{
		http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
	}

	huma.Register(api, huma.Operation{
		OperationID: "start-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/start",
		Summary:     "Move a pending task to in_progress",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body engine.TaskResult `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.StartTask(ctx, actor, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TaskResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/complete",
		Summary:     "Complete a task",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string               `path:"task_id"`
		Body   *CompleteTaskRequest `json:"body" required:"false"`
	}) (*struct {
		Body engine.TaskResult `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var opts engine.CompleteOptions
		if input.Body != nil {
			opts = input.Body.options()
		}
		res, err := e.CompleteTask(ctx, actor, input.TaskID, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TaskResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "attach-envelope",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/envelope",
		Summary:     "Attach an e-signature envelope to a signature task",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string                `path:"task_id"`
		Body   AttachEnvelopeRequest `json:"body"`
	}) (*struct {
		Body engine.TaskResult `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.AttachEnvelope(ctx, actor, input.TaskID, input.Body.EnvelopeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TaskResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "commitment-decision",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/commitment-decision",
		Summary:     "Submit the donor's commitment decision",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string                    `path:"task_id"`
		Body   CommitmentDecisionRequest `json:"body"`
	}) (*struct {
		Body engine.DecisionResult `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.SubmitCommitmentDecision(ctx, actor, input.TaskID, input.Body.input())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.DecisionResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerInvitations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-invitation",
		Method:        http.MethodPost,
		Path:          "/owners/{kind}/{id}/invitations",
		Summary:       "Invite an appraiser",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Kind string                  `path:"kind" enum:"donation,participant"`
		ID   string                  `path:"id"`
		Body CreateInvitationRequest `json:"body"`
	}) (*struct {
		Body InvitationResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		owner, perr := ownerPath{Kind: input.Kind, ID: input.ID}.owner()
		if perr != nil {
			return nil, perr
		}
		res, err := e.CreateInvitation(ctx, actor, owner, input.Body.Email)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InvitationResponse `json:"body"`
		}{Body: invitationResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-invitation",
		Method:      http.MethodPost,
		Path:        "/invitations/{token}/accept",
		Summary:     "Accept an appraiser invitation",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Token string `path:"token"`
	}) (*struct {
		Body engine.AcceptResult `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.AcceptInvitation(ctx, actor, input.Token)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.AcceptResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/owners/{kind}/{id}/events",
		Summary:     "List an owner's events",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Kind   string `path:"kind" enum:"donation,participant"`
		ID     string `path:"id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		owner, perr := ownerPath{Kind: input.Kind, ID: input.ID}.owner()
		if perr != nil {
			return nil, perr
		}
		limit := normalizeLimit(input.Limit)
		var after int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			after = parsed
		}
		items, err := e.ListEvents(ctx, actor, owner, after, limit+1)
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventsResponse{Items: []domain.Event{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMonitor(api huma.API, e engine.Engine, m MonitorRunner) {
	unavailable := func() huma.StatusError {
		return newAPIError(http.StatusServiceUnavailable, "monitor_unavailable", "signature monitor is not configured", nil)
	}

	huma.Register(api, huma.Operation{
		OperationID: "run-signature-monitor",
		Method:      http.MethodPost,
		Path:        "/monitor/signatures/run",
		Summary:     "Run the signature monitor now",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body *MonitorRunRequest `json:"body" required:"false"`
	}) (*struct {
		Body MonitorRunResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !e.Auth.Elevated(actor) {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "monitor runs require an elevated role", nil)
		}
		if m == nil {
			return nil, unavailable()
		}
		trigger := "api"
		if input.Body != nil && strings.TrimSpace(input.Body.Trigger) != "" {
			trigger = strings.TrimSpace(input.Body.Trigger)
		}
		sum, err := m.RunNow(ctx, trigger)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MonitorRunResponse `json:"body"`
		}{Body: MonitorRunResponse{Summary: sum}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "last-signature-monitor-run",
		Method:      http.MethodGet,
		Path:        "/monitor/signatures/last",
		Summary:     "Summary of the last monitor run",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MonitorRunResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !e.Auth.Elevated(actor) {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "monitor summaries require an elevated role", nil)
		}
		if m == nil {
			return nil, unavailable()
		}
		sum, ok := m.Last()
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "the monitor has not run yet", nil)
		}
		return &struct {
			Body MonitorRunResponse `json:"body"`
		}{Body: MonitorRunResponse{Summary: sum}}, nil
	})
}
