package engine

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/fpoisson2/test-chatkit-sub001/internal/expressions"
	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

// VectorStoreHandler computes a document id and payload from the step's
// configured expressions (defaulting to the previous step's structured
// output) and hands them to the vector-store collaborator. Failures abort
// the run unless the step is marked best-effort.
type VectorStoreHandler struct{}

func (h *VectorStoreHandler) Kind() schema.StepKind { return schema.StepKindJSONVectorStore }

func (h *VectorStoreHandler) Execute(ctx context.Context, step *schema.Step, ec *ExecutionContext) (*schema.NodeResult, error) {
	var params struct {
		StoreSlug  string         `json:"store_slug"`
		DocID      string         `json:"doc_id,omitempty"`
		Document   map[string]any `json:"document,omitempty"`
		Metadata   map[string]any `json:"metadata,omitempty"`
		BestEffort bool           `json:"best_effort,omitempty"`
	}
	if len(step.Parameters) > 0 {
		if err := json.Unmarshal(step.Parameters, &params); err != nil {
			return nil, schema.NewErrorf(schema.ErrKindConfiguration, "decode json_vector_store parameters: %s", err.Error()).WithCause(err)
		}
	}
	if params.StoreSlug == "" {
		return nil, schema.NewError(schema.ErrKindConfiguration, "json_vector_store step requires a store_slug")
	}
	if ec.Collab.Vectors == nil {
		return nil, schema.NewError(schema.ErrKindConfiguration, "no vector store configured")
	}

	scope := ec.Scope()

	docID := uuid.New().String()
	if params.DocID != "" {
		resolved, err := ec.Engines.Interp.ResolveString(ctx, params.DocID, scope)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrKindExpression, "resolve doc_id: %s", err.Error()).WithCause(err)
		}
		docID = resolved
	}

	document, err := resolveDocument(ctx, ec, params.Document, scope)
	if err != nil {
		return nil, err
	}

	metadata := params.Metadata
	if len(metadata) > 0 {
		metadata, err = ec.Engines.Interp.ResolveMap(ctx, metadata, scope)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrKindExpression, "resolve metadata: %s", err.Error()).WithCause(err)
		}
	}

	handle, err := ec.Collab.Vectors.Ingest(ctx, params.StoreSlug, docID, document, metadata)
	if err != nil {
		if params.BestEffort {
			ec.Logger.WarnContext(ctx, "vector store ingest failed, continuing", "store", params.StoreSlug, "error", err)
			return &schema.NodeResult{
				NextSlug: defaultNext(ec, step),
				Status:   schema.ResultContinue,
			}, nil
		}
		return nil, schema.NewErrorf(schema.ErrKindVectorStore, "ingest into %q: %s", params.StoreSlug, err.Error()).WithCause(err)
	}

	return &schema.NodeResult{
		NextSlug:       defaultNext(ec, step),
		ContextUpdates: map[string]any{step.Slug + "_document": handle},
		Status:         schema.ResultContinue,
		Summary: &schema.WorkflowStepSummary{
			Key:    step.Slug,
			Title:  step.Title(),
			Output: handle,
		},
	}, nil
}

// resolveDocument uses the configured document expressions when present,
// falling back to the previous step's structured output.
func resolveDocument(ctx context.Context, ec *ExecutionContext, configured map[string]any, scope *expressions.Scope) (map[string]any, error) {
	if len(configured) > 0 {
		doc, err := ec.Engines.Interp.ResolveMap(ctx, configured, scope)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrKindExpression, "resolve document: %s", err.Error()).WithCause(err)
		}
		return doc, nil
	}
	if m, ok := ec.LastOutput.(map[string]any); ok {
		return m, nil
	}
	return nil, schema.NewError(schema.ErrKindConfiguration,
		"json_vector_store step has no document configured and the previous step produced no structured output")
}
