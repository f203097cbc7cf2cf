package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/commission-engine/ledger"
)

// =============================================================================
// WORKSPACES
// =============================================================================

func (q *queries) GetWorkspace(ctx context.Context, id ledger.WorkspaceID) (*ledger.Workspace, error) {
	w := ledger.Workspace{ID: id}
	err := q.queryRow(ctx, `SELECT name, currency, signing_secret FROM workspaces WHERE id = ?`,
		string(id)).Scan(&w.Name, &w.Currency, &w.SigningSecret)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("workspace", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	return &w, nil
}

func (q *queries) SaveWorkspace(ctx context.Context, w *ledger.Workspace) error {
	_, err := q.exec(ctx, `
		INSERT INTO workspaces (id, name, currency, signing_secret) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			currency = excluded.currency,
			signing_secret = excluded.signing_secret`,
		string(w.ID), w.Name, w.Currency, w.SigningSecret)
	if err != nil {
		return fmt.Errorf("save workspace: %w", err)
	}
	return nil
}

// =============================================================================
// SELLERS
// =============================================================================

func (q *queries) GetSeller(ctx context.Context, id ledger.SellerID) (*ledger.Seller, error) {
	var (
		s              = ledger.Seller{ID: id}
		rail, referrer string
		active         int
	)
	err := q.queryRow(ctx, `SELECT name, email, rail, referred_by, active FROM sellers WHERE id = ?`,
		string(id)).Scan(&s.Name, &s.Email, &rail, &referrer, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("seller", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get seller: %w", err)
	}
	s.Rail = ledger.Rail(rail)
	s.ReferredBy = ledger.SellerID(referrer)
	s.Active = active == 1
	return &s, nil
}

func (q *queries) SaveSeller(ctx context.Context, s *ledger.Seller) error {
	_, err := q.exec(ctx, `
		INSERT INTO sellers (id, name, email, rail, referred_by, active) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			rail = excluded.rail,
			referred_by = excluded.referred_by,
			active = excluded.active`,
		string(s.ID), s.Name, s.Email, string(s.Rail), string(s.ReferredBy), boolInt(s.Active))
	if err != nil {
		return fmt.Errorf("save seller: %w", err)
	}
	return nil
}

func (q *queries) ListSellers(ctx context.Context, rail ledger.Rail) ([]ledger.Seller, error) {
	query := `SELECT id, name, email, rail, referred_by, active FROM sellers`
	var args []any
	if rail != "" {
		query += ` WHERE rail = ?`
		args = append(args, string(rail))
	}
	rows, err := q.query(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list sellers: %w", err)
	}
	defer rows.Close()

	var out []ledger.Seller
	for rows.Next() {
		var (
			s               ledger.Seller
			id, r, referrer string
			active          int
		)
		if err := rows.Scan(&id, &s.Name, &s.Email, &r, &referrer, &active); err != nil {
			return nil, err
		}
		s.ID = ledger.SellerID(id)
		s.Rail = ledger.Rail(r)
		s.ReferredBy = ledger.SellerID(referrer)
		s.Active = active == 1
		out = append(out, s)
	}
	return out, rows.Err()
}

// =============================================================================
// MISSIONS
// =============================================================================

func (q *queries) GetMission(ctx context.Context, id string) (*ledger.Mission, error) {
	var (
		m          = ledger.Mission{ID: id}
		ws, config string
	)
	err := q.queryRow(ctx, `SELECT workspace_id, name, version, config FROM missions WHERE id = ?`, id).
		Scan(&ws, &m.Name, &m.Version, &config)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mission %s: %w", id, ledger.ErrMissionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get mission: %w", err)
	}
	m.WorkspaceID = ledger.WorkspaceID(ws)
	m.Config = []byte(config)
	return &m, nil
}

func (q *queries) SaveMission(ctx context.Context, m *ledger.Mission) error {
	_, err := q.exec(ctx, `
		INSERT INTO missions (id, workspace_id, name, version, config) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			name = excluded.name,
			version = excluded.version,
			config = excluded.config`,
		m.ID, string(m.WorkspaceID), m.Name, m.Version, string(m.Config))
	if err != nil {
		return fmt.Errorf("save mission: %w", err)
	}
	return nil
}

// =============================================================================
// ENROLLMENTS + ATTRIBUTION
// =============================================================================

const enrollmentColumns = `e.id, e.workspace_id, e.mission_id, e.seller_id, e.organization_id, e.status, e.created_at`

func scanEnrollment(row rowScanner) (*ledger.Enrollment, error) {
	var (
		e                           ledger.Enrollment
		ws, seller, status, created string
	)
	if err := row.Scan(&e.ID, &ws, &e.MissionID, &seller, &e.OrganizationID, &status, &created); err != nil {
		return nil, err
	}
	e.WorkspaceID = ledger.WorkspaceID(ws)
	e.SellerID = ledger.SellerID(seller)
	e.Status = ledger.EnrollmentStatus(status)
	e.CreatedAt = parseTime(created)
	return &e, nil
}

func (q *queries) GetEnrollment(ctx context.Context, id string) (*ledger.Enrollment, error) {
	e, err := scanEnrollment(q.queryRow(ctx, `SELECT `+enrollmentColumns+` FROM enrollments e WHERE e.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("enrollment", id)
	}
	return e, err
}

func (q *queries) SaveEnrollment(ctx context.Context, e *ledger.Enrollment) error {
	_, err := q.exec(ctx, `
		INSERT INTO enrollments (id, workspace_id, mission_id, seller_id, organization_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			mission_id = excluded.mission_id,
			organization_id = excluded.organization_id,
			status = excluded.status`,
		e.ID, string(e.WorkspaceID), e.MissionID, string(e.SellerID), e.OrganizationID,
		string(e.Status), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("save enrollment: %w", err)
	}
	return nil
}

func (q *queries) ActiveEnrollment(ctx context.Context, workspaceID ledger.WorkspaceID, sellerID ledger.SellerID) (*ledger.Enrollment, error) {
	e, err := scanEnrollment(q.queryRow(ctx, `SELECT `+enrollmentColumns+` FROM enrollments e
		WHERE e.workspace_id = ? AND e.seller_id = ? AND e.status = 'APPROVED'
		ORDER BY e.created_at DESC LIMIT 1`, string(workspaceID), string(sellerID)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("active enrollment for seller", sellerID)
	}
	return e, err
}

func (q *queries) SaveClick(ctx context.Context, c *ledger.Click) error {
	_, err := q.exec(ctx, `
		INSERT INTO clicks (click_id, workspace_id, enrollment_id) VALUES (?, ?, ?)
		ON CONFLICT (workspace_id, click_id) DO UPDATE SET enrollment_id = excluded.enrollment_id`,
		c.ClickID, string(c.WorkspaceID), c.EnrollmentID)
	if err != nil {
		return fmt.Errorf("save click: %w", err)
	}
	return nil
}

func (q *queries) ResolveClick(ctx context.Context, workspaceID ledger.WorkspaceID, clickID string) (*ledger.Enrollment, error) {
	e, err := scanEnrollment(q.queryRow(ctx, `SELECT `+enrollmentColumns+`
		FROM clicks k JOIN enrollments e ON e.id = k.enrollment_id
		WHERE k.workspace_id = ? AND k.click_id = ?`, string(workspaceID), clickID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("click", clickID)
	}
	return e, err
}

// =============================================================================
// ORGANIZATION DEALS
// =============================================================================

func (q *queries) GetOrgDeal(ctx context.Context, organizationID, missionID string) (*ledger.OrgDeal, error) {
	d := ledger.OrgDeal{OrganizationID: organizationID, MissionID: missionID}
	var leader string
	err := q.queryRow(ctx, `SELECT leader_seller_id, leader_share FROM org_deals
		WHERE organization_id = ? AND mission_id = ?`, organizationID, missionID).Scan(&leader, &d.LeaderShare)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get org deal: %w", err)
	}
	d.LeaderSellerID = ledger.SellerID(leader)
	return &d, nil
}

func (q *queries) SaveOrgDeal(ctx context.Context, d *ledger.OrgDeal) error {
	_, err := q.exec(ctx, `
		INSERT INTO org_deals (organization_id, mission_id, leader_seller_id, leader_share)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (organization_id, mission_id) DO UPDATE SET
			leader_seller_id = excluded.leader_seller_id,
			leader_share = excluded.leader_share`,
		d.OrganizationID, d.MissionID, string(d.LeaderSellerID), d.LeaderShare)
	if err != nil {
		return fmt.Errorf("save org deal: %w", err)
	}
	return nil
}
