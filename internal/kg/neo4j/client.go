// Package neo4j persists classified assertions as a per-user knowledge
// graph and answers contradiction and neighborhood queries over it.
package neo4j

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/symmetry-ai/backend/internal/kg/classifier"
	"github.com/symmetry-ai/backend/pkg/circuitbreaker"
	"github.com/symmetry-ai/backend/pkg/logger"
	"github.com/symmetry-ai/backend/pkg/retry"
)

type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx := context.Background()
	err = driver.VerifyConnectivity(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Neo4j client initialized", zap.String("uri", uri))

	return &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) executeWithRetry(ctx context.Context, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
			defer session.Close(ctx)
			return operation(session)
		})
	})
}

func (c *Client) EnsureUser(ctx context.Context, userID string) error {
	return c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		_, err := session.Run(ctx, `MERGE (u:User {id: $user_id})`, map[string]interface{}{
			"user_id": userID,
		})
		if err != nil {
			return fmt.Errorf("failed to ensure user: %w", err)
		}
		return nil
	})
}

// UpsertAssertion merges on the assertion fingerprint, so writing the
// same classified triple twice leaves a single node.
func (c *Client) UpsertAssertion(ctx context.Context, userID string, a classifier.Assertion) error {
	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MERGE (u:User {id: $user_id})
			MERGE (e:Entity {name: $object, user_id: $user_id})
			SET e.category = $category
			MERGE (a:Assertion {fingerprint: $fingerprint})
			ON CREATE SET a.asserted_at = $asserted_at,
			              a.verified = false
			SET a.subject = $subject,
			    a.predicate = $predicate,
			    a.object = $object,
			    a.source_text = $source_text,
			    a.status = $status,
			    a.confidence = $confidence,
			    a.attributed_to = $attributed_to,
			    a.category = $category,
			    a.temporal = $temporal,
			    a.conversation_id = $conversation_id,
			    a.platform = $platform
			MERGE (u)-[:ASSERTED]->(a)
			MERGE (a)-[:ABOUT]->(e)
		`

		_, err := session.Run(ctx, query, map[string]interface{}{
			"user_id":         userID,
			"fingerprint":     a.Fingerprint,
			"subject":         a.Subject,
			"predicate":       a.Predicate,
			"object":          a.Object,
			"source_text":     a.SourceText,
			"status":          string(a.Status),
			"confidence":      a.Confidence,
			"attributed_to":   string(a.AttributedTo),
			"category":        a.Category,
			"temporal":        a.Temporal,
			"conversation_id": a.Provenance.ConversationID,
			"platform":        a.Provenance.Platform,
			"asserted_at":     a.AssertedAt.Unix(),
		})
		if err != nil {
			return fmt.Errorf("failed to upsert assertion: %w", err)
		}
		return nil
	})

	if err != nil {
		return err
	}

	logger.Debug("Assertion upserted",
		zap.String("object", a.Object),
		zap.String("status", string(a.Status)),
	)
	return nil
}

// LinkRelatedEntities records co-occurrence edges between entities
// mentioned in the same conversation, feeding neighborhood expansion.
func (c *Client) LinkRelatedEntities(ctx context.Context, userID string, names []string) error {
	if len(names) < 2 {
		return nil
	}

	return c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			UNWIND $pairs AS pair
			MERGE (a:Entity {name: pair[0], user_id: $user_id})
			MERGE (b:Entity {name: pair[1], user_id: $user_id})
			MERGE (a)-[:RELATED_TO]->(b)
		`

		var pairs [][]string
		for i := 0; i < len(names); i++ {
			for j := i + 1; j < len(names); j++ {
				pairs = append(pairs, []string{names[i], names[j]})
			}
		}

		_, err := session.Run(ctx, query, map[string]interface{}{
			"user_id": userID,
			"pairs":   pairs,
		})
		if err != nil {
			return fmt.Errorf("failed to link entities: %w", err)
		}
		return nil
	})
}

// FindRelatedEntities expands query terms through co-occurrence edges,
// at most two hops out.
func (c *Client) FindRelatedEntities(ctx context.Context, userID string, terms []string, limit int) ([]string, error) {
	lowered := make([]string, len(terms))
	for i, t := range terms {
		lowered[i] = strings.ToLower(t)
	}

	var related []string
	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MATCH (e:Entity {user_id: $user_id})
			WHERE toLower(e.name) IN $terms
			MATCH (e)-[:RELATED_TO*1..2]-(n:Entity)
			WHERE NOT toLower(n.name) IN $terms
			RETURN DISTINCT n.name AS name
			LIMIT $limit
		`

		result, err := session.Run(ctx, query, map[string]interface{}{
			"user_id": userID,
			"terms":   lowered,
			"limit":   limit,
		})
		if err != nil {
			return fmt.Errorf("failed to find related entities: %w", err)
		}

		related = related[:0]
		for result.Next(ctx) {
			name, _ := result.Record().Get("name")
			if s, ok := name.(string); ok {
				related = append(related, s)
			}
		}

		if err = result.Err(); err != nil {
			return fmt.Errorf("error iterating results: %w", err)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return related, nil
}

// GetAssertions returns the user's assertions, optionally filtered by
// status. An empty result is a normal outcome.
func (c *Client) GetAssertions(ctx context.Context, userID string, status classifier.Status, limit int) ([]classifier.Assertion, error) {
	var assertions []classifier.Assertion

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MATCH (u:User {id: $user_id})-[:ASSERTED]->(a:Assertion)
			WHERE $status = '' OR a.status = $status
			RETURN a
			ORDER BY a.asserted_at DESC
			LIMIT $limit
		`

		result, err := session.Run(ctx, query, map[string]interface{}{
			"user_id": userID,
			"status":  string(status),
			"limit":   limit,
		})
		if err != nil {
			return fmt.Errorf("failed to get assertions: %w", err)
		}

		assertions = assertions[:0]
		for result.Next(ctx) {
			node, ok := result.Record().Get("a")
			if !ok {
				continue
			}
			if n, ok := node.(neo4j.Node); ok {
				assertions = append(assertions, assertionFromNode(n))
			}
		}

		if err = result.Err(); err != nil {
			return fmt.Errorf("error iterating results: %w", err)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	logger.Debug("Assertions fetched",
		zap.String("user_id", userID),
		zap.Int("count", len(assertions)),
	)

	return assertions, nil
}

// DecisionHistory returns every assertion about one entity in asserted
// order, the audit trail behind a contradiction report.
func (c *Client) DecisionHistory(ctx context.Context, userID, entityName string) ([]classifier.Assertion, error) {
	var assertions []classifier.Assertion

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MATCH (u:User {id: $user_id})-[:ASSERTED]->(a:Assertion)-[:ABOUT]->(e:Entity)
			WHERE toLower(e.name) = toLower($name)
			RETURN a
			ORDER BY a.asserted_at ASC
		`

		result, err := session.Run(ctx, query, map[string]interface{}{
			"user_id": userID,
			"name":    entityName,
		})
		if err != nil {
			return fmt.Errorf("failed to get decision history: %w", err)
		}

		assertions = assertions[:0]
		for result.Next(ctx) {
			node, ok := result.Record().Get("a")
			if !ok {
				continue
			}
			if n, ok := node.(neo4j.Node); ok {
				assertions = append(assertions, assertionFromNode(n))
			}
		}

		if err = result.Err(); err != nil {
			return fmt.Errorf("error iterating results: %w", err)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return assertions, nil
}

func (c *Client) SetVerified(ctx context.Context, userID, fingerprint string, verified bool) error {
	return c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MATCH (u:User {id: $user_id})-[:ASSERTED]->(a:Assertion {fingerprint: $fingerprint})
			SET a.verified = $verified
			RETURN a.fingerprint
		`

		result, err := session.Run(ctx, query, map[string]interface{}{
			"user_id":     userID,
			"fingerprint": fingerprint,
			"verified":    verified,
		})
		if err != nil {
			return fmt.Errorf("failed to set verified: %w", err)
		}

		if !result.Next(ctx) {
			return fmt.Errorf("assertion not found: %s", fingerprint)
		}
		return nil
	})
}

func assertionFromNode(n neo4j.Node) classifier.Assertion {
	a := classifier.Assertion{
		Fingerprint:  stringProp(n, "fingerprint"),
		Subject:      stringProp(n, "subject"),
		Predicate:    stringProp(n, "predicate"),
		Object:       stringProp(n, "object"),
		SourceText:   stringProp(n, "source_text"),
		Status:       classifier.Status(stringProp(n, "status")),
		AttributedTo: classifier.Attribution(stringProp(n, "attributed_to")),
		Category:     stringProp(n, "category"),
		Temporal:     stringProp(n, "temporal"),
		Provenance: classifier.Provenance{
			ConversationID: stringProp(n, "conversation_id"),
			Platform:       stringProp(n, "platform"),
		},
	}

	if conf, ok := n.Props["confidence"].(float64); ok {
		a.Confidence = conf
	}
	if ts, ok := n.Props["asserted_at"].(int64); ok {
		a.AssertedAt = time.Unix(ts, 0)
	}
	if v, ok := n.Props["verified"].(bool); ok {
		a.Verified = v
	}

	return a
}

func stringProp(n neo4j.Node, key string) string {
	if v, ok := n.Props[key].(string); ok {
		return v
	}
	return ""
}
