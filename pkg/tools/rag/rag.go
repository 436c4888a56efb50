// Package rag searches the user's knowledge base collections.
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gigachain-team/giga-agent/pkg/registry"
	"github.com/gigachain-team/giga-agent/pkg/toolserver"
)

const (
	// ToolName is the name the model calls.
	ToolName = "get_documents"

	// EnvURL and EnvToken configure the knowledge base service.
	EnvURL   = "LANGCONNECT_API_URL"
	EnvToken = "LANGCONNECT_API_SECRET_TOKEN"

	defaultLimit = 10
)

const description = `Semantic search over the user's knowledge base using vector search.

Use it to find information in the user's documents. Phrase the query as a natural question.
When information is missing, repeat the search with other wording.
Always cite sources (document ID) in answers.`

// Collection is a knowledge base collection attached to a thread.
type Collection struct {
	UUID     string         `json:"uuid"`
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Document is one search hit.
type Document struct {
	ID          string `json:"id"`
	PageContent string `json:"page_content"`
}

// Searcher calls the knowledge base search endpoint.
type Searcher struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewSearcher creates a searcher for baseURL authenticated with token.
func NewSearcher(baseURL, token string) *Searcher {
	return &Searcher{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Search posts {query, limit} to /collections/{uuid}/documents/search.
func (s *Searcher) Search(ctx context.Context, collectionUUID, query string, limit int) ([]Document, error) {
	body, err := json.Marshal(map[string]any{"query": query, "limit": limit})
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/collections/%s/documents/search", s.baseURL, url.PathEscape(collectionUUID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%d %s: %s", resp.StatusCode, http.StatusText(resp.StatusCode), strings.TrimSpace(string(raw)))
	}

	var docs []Document
	if err := json.NewDecoder(resp.Body).Decode(&docs); err != nil {
		return nil, fmt.Errorf("decode documents: %w", err)
	}
	return docs, nil
}

// FormatDocuments renders hits the way the model is told to cite them.
func FormatDocuments(docs []Document) string {
	var b strings.Builder
	b.WriteString("Found document parts: \n")
	for _, d := range docs {
		id := d.ID
		if id == "" {
			id = "unknown"
		}
		fmt.Fprintf(&b, "  <document id=\"%s\">\n    %s\n  </document>\n", id, d.PageContent)
	}
	b.WriteString("If the information is insufficient, broaden the query and call get_documents again")
	return b.String()
}

// FormatError renders a failed search. Failures are answers, not errors, so
// the model can retry with another query.
func FormatError(err error) string {
	return fmt.Sprintf("<all-documents>\n  <error>%s</error>\n</all-documents>", err.Error())
}

// Definition returns the get_documents tool for the tool server.
func Definition(s *Searcher) toolserver.ToolDefinition {
	return toolserver.ToolDefinition{
		Name:        ToolName,
		Description: description,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"collection_uuid": map[string]any{"type": "string", "description": "Collection UUID"},
				"query":           map[string]any{"type": "string", "description": "Search query for relevant documents"},
				"limit":           map[string]any{"type": "integer", "description": "Number of documents to return", "default": defaultLimit},
			},
			"required": []any{"collection_uuid", "query"},
		},
		Handler: func(ctx context.Context, kwargs map[string]any, _ toolserver.Call) (any, error) {
			collection, _ := kwargs["collection_uuid"].(string)
			query, _ := kwargs["query"].(string)
			limit := defaultLimit
			if v, ok := kwargs["limit"].(float64); ok && v > 0 {
				limit = int(v)
			}
			docs, err := s.Search(ctx, collection, query, limit)
			if err != nil {
				return FormatError(err), nil
			}
			return FormatDocuments(docs), nil
		},
	}
}

// Requirements are the environment variables the tool needs.
func Requirements() []registry.Requirement {
	return []registry.Requirement{registry.RequireEnv(EnvURL), registry.RequireEnv(EnvToken)}
}

// HasCollections passes when the session has at least one collection.
func HasCollections(_ context.Context, view registry.SessionView) bool {
	return len(view.SessionCollectionIDs()) > 0
}

const infoPrompt = `
====
KNOWLEDGE BASE

You have access to the user's documents through the get_documents tool.
ALWAYS check the knowledge base before answering, even if you are sure of your knowledge.

AVAILABLE COLLECTIONS:
%s

WORKING STRATEGY:

1. SIMPLE REQUESTS (a specific fact or procedure):
   • Phrase the query as a natural question with key terms
   • Start with limit=5-10
   • If the result is incomplete, rephrase (synonyms, another angle)
   • Query related collections separately

2. COMPLEX ANALYSIS (study a contract, risks, pitfalls):
   • Step 1: Overview query to find the structure and key terms
   • Step 2: Split into aspects (terms, limits, obligations, risks, procedures, cost)
   • Step 3: A series of targeted queries per aspect
   • Step 4: A structured report:
     - Summary and conclusions
     - Key terms and risks with quotes
     - Open questions
     - Table of main parameters

CITATIONS: Always give the document ID and, when available, the section, clause or page.

`

// Info is the system prompt section describing the thread's collections. It
// is empty when there are none.
func Info(collections []Collection) string {
	if len(collections) == 0 {
		return ""
	}
	descriptions := make([]string, 0, len(collections))
	for _, c := range collections {
		d := fmt.Sprintf("Collection name: %s\nUUID: %s", c.Name, c.UUID)
		if desc, ok := c.Metadata["description"].(string); ok && desc != "" {
			d += "\nCollection description: " + desc
		}
		descriptions = append(descriptions, d)
	}
	return fmt.Sprintf(infoPrompt, strings.Join(descriptions, "\n---\n"))
}
