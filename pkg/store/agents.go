package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Agent is a registered identity on this relay.
type Agent struct {
	Address     string
	PublicKey   string
	Token       string
	DisplayName string
	ContactCard map[string]any
	Status      string
	WebhookURL  string
	LastSeen    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   time.Time
}

// Deleted reports whether the agent has been deactivated.
func (a *Agent) Deleted() bool {
	return !a.DeletedAt.IsZero()
}

const agentColumns = `address, public_key, token, display_name, contact_card, status,
	webhook_url, last_seen, created_at, updated_at, deleted_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*Agent, error) {
	var (
		a                                 Agent
		displayName, card, webhook        sql.NullString
		lastSeen, created, updated, delAt timeCol
	)
	err := row.Scan(&a.Address, &a.PublicKey, &a.Token, &displayName, &card, &a.Status,
		&webhook, &lastSeen, &created, &updated, &delAt)
	if err != nil {
		return nil, err
	}
	a.DisplayName = displayName.String
	a.ContactCard = parseJSON(card)
	a.WebhookURL = webhook.String
	a.LastSeen = parseTime(lastSeen)
	a.CreatedAt = parseTime(created)
	a.UpdatedAt = parseTime(updated)
	a.DeletedAt = parseTime(delAt)
	return &a, nil
}

// RegisterAgent claims an address. If the address is already held by
// the same public key the existing record is returned unchanged, so a
// re-register hands back the original token. A different key yields
// ErrAddressTaken. The bool reports whether a new row was created.
func (s *Store) RegisterAgent(ctx context.Context, address, publicKey, token, webhookURL string) (*Agent, bool, error) {
	existing, err := s.agentByAddressAny(ctx, address)
	if err != nil && !errors.Is(err, ErrAgentNotFound) {
		return nil, false, err
	}
	if existing != nil {
		if existing.PublicKey == publicKey && !existing.Deleted() {
			return existing, false, nil
		}
		return nil, false, ErrAddressTaken
	}

	now := time.Now().UTC()
	var webhook any
	if webhookURL != "" {
		webhook = webhookURL
	}
	_, err = s.exec(ctx, "register_agent",
		`INSERT INTO agents (address, public_key, token, status, webhook_url, created_at, updated_at)
		 VALUES (?, ?, ?, 'active', ?, ?, ?)`,
		address, publicKey, token, webhook, fmtTime(now), fmtTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			// Lost a race with a concurrent registration; apply the
			// same-key rule against the winner.
			winner, getErr := s.agentByAddressAny(ctx, address)
			if getErr == nil && winner.PublicKey == publicKey && !winner.Deleted() {
				return winner, false, nil
			}
			return nil, false, ErrAddressTaken
		}
		return nil, false, fmt.Errorf("failed to register agent: %w", err)
	}

	return &Agent{
		Address:    address,
		PublicKey:  publicKey,
		Token:      token,
		Status:     "active",
		WebhookURL: webhookURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, true, nil
}

// AgentByAddress looks up an active agent. Deactivated agents are
// treated as absent.
func (s *Store) AgentByAddress(ctx context.Context, address string) (*Agent, error) {
	a, err := s.agentByAddressAny(ctx, address)
	if err != nil {
		return nil, err
	}
	if a.Deleted() {
		return nil, ErrAgentNotFound
	}
	return a, nil
}

func (s *Store) agentByAddressAny(ctx context.Context, address string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+agentColumns+` FROM agents WHERE address = ?`), address)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return a, nil
}

// AgentByToken resolves a bearer token. Deactivated agents still
// authenticate so they can reactivate their address.
func (s *Store) AgentByToken(ctx context.Context, token string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+agentColumns+` FROM agents WHERE token = ?`), token)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent by token: %w", err)
	}
	return a, nil
}

// AgentUpdate carries the optional profile fields of a PATCH; nil
// pointers leave the column untouched.
type AgentUpdate struct {
	DisplayName *string
	ContactCard map[string]any
	PublicKey   *string
}

// UpdateAgent applies a partial profile update.
func (s *Store) UpdateAgent(ctx context.Context, address string, upd AgentUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{fmtTime(time.Now().UTC())}
	if upd.DisplayName != nil {
		sets = append(sets, "display_name = ?")
		args = append(args, *upd.DisplayName)
	}
	if upd.ContactCard != nil {
		sets = append(sets, "contact_card = ?")
		args = append(args, jsonText(upd.ContactCard))
	}
	if upd.PublicKey != nil {
		sets = append(sets, "public_key = ?")
		args = append(args, *upd.PublicKey)
	}
	args = append(args, address)
	res, err := s.exec(ctx, "update_agent",
		`UPDATE agents SET `+strings.Join(sets, ", ")+` WHERE address = ? AND deleted_at IS NULL`, args...)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	return requireRow(res, ErrAgentNotFound)
}

// SetWebhook stores or clears an agent's webhook URL.
func (s *Store) SetWebhook(ctx context.Context, address, url string) error {
	var webhook any
	if url != "" {
		webhook = url
	}
	res, err := s.exec(ctx, "set_webhook",
		`UPDATE agents SET webhook_url = ?, updated_at = ? WHERE address = ? AND deleted_at IS NULL`,
		webhook, fmtTime(time.Now().UTC()), address)
	if err != nil {
		return fmt.Errorf("failed to set webhook: %w", err)
	}
	return requireRow(res, ErrAgentNotFound)
}

// WebhookState returns the agent's webhook circuit blob, empty when
// none has been written.
func (s *Store) WebhookState(ctx context.Context, address string) (string, error) {
	var state sql.NullString
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT webhook_state FROM agents WHERE address = ?`), address).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrAgentNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get webhook state: %w", err)
	}
	return state.String, nil
}

// SetWebhookState persists the webhook circuit blob so breaker trips
// survive a restart. An empty state clears the column.
func (s *Store) SetWebhookState(ctx context.Context, address, state string) error {
	var blob any
	if state != "" {
		blob = state
	}
	_, err := s.exec(ctx, "set_webhook_state",
		`UPDATE agents SET webhook_state = ? WHERE address = ?`, blob, address)
	if err != nil {
		return fmt.Errorf("failed to set webhook state: %w", err)
	}
	return nil
}

// DeactivateAgent soft-deletes an agent. The row and token survive so
// the owner can reactivate later.
func (s *Store) DeactivateAgent(ctx context.Context, address string) error {
	now := fmtTime(time.Now().UTC())
	res, err := s.exec(ctx, "deactivate_agent",
		`UPDATE agents SET deleted_at = ?, status = 'deactivated', updated_at = ? WHERE address = ? AND deleted_at IS NULL`,
		now, now, address)
	if err != nil {
		return fmt.Errorf("failed to deactivate agent: %w", err)
	}
	return requireRow(res, ErrAgentNotFound)
}

// ReactivateAgent restores a soft-deleted agent.
func (s *Store) ReactivateAgent(ctx context.Context, address string) error {
	res, err := s.exec(ctx, "reactivate_agent",
		`UPDATE agents SET deleted_at = NULL, status = 'active', updated_at = ? WHERE address = ?`,
		fmtTime(time.Now().UTC()), address)
	if err != nil {
		return fmt.Errorf("failed to reactivate agent: %w", err)
	}
	return requireRow(res, ErrAgentNotFound)
}

// SetAgentStatus changes the moderation status (active, suspended).
func (s *Store) SetAgentStatus(ctx context.Context, address, status string) error {
	res, err := s.exec(ctx, "set_agent_status",
		`UPDATE agents SET status = ?, updated_at = ? WHERE address = ?`,
		status, fmtTime(time.Now().UTC()), address)
	if err != nil {
		return fmt.Errorf("failed to set agent status: %w", err)
	}
	return requireRow(res, ErrAgentNotFound)
}

// TouchLastSeen records activity without bumping updated_at.
func (s *Store) TouchLastSeen(ctx context.Context, address string, at time.Time) error {
	_, err := s.exec(ctx, "touch_last_seen",
		`UPDATE agents SET last_seen = ? WHERE address = ?`, fmtTime(at), address)
	if err != nil {
		return fmt.Errorf("failed to touch last_seen: %w", err)
	}
	return nil
}

// ListAgents pages through registrations for the admin surface.
func (s *Store) ListAgents(ctx context.Context, limit, offset int, includeDeleted bool) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	if !includeDeleted {
		query += ` WHERE deleted_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// CountAgents reports active registrations for the health endpoint.
func (s *Store) CountAgents(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agents WHERE deleted_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count agents: %w", err)
	}
	return n, nil
}

// requireRow maps a zero-row update to the given sentinel.
func requireRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}

// isUniqueViolation recognizes duplicate-key errors from both drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
