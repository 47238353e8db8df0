package storage

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// UpsertCustomer inserts or refreshes a customer profile.
func (s *Store) UpsertCustomer(ctx context.Context, c *Customer) error {
	now := nowUTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, agent_did, schema_type, given_name, family_name,
		                       display_name, legal_name, lei_code, mcc_code,
		                       address_country, profile, ivms101_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			schema_type = excluded.schema_type,
			given_name = COALESCE(excluded.given_name, given_name),
			family_name = COALESCE(excluded.family_name, family_name),
			display_name = COALESCE(excluded.display_name, display_name),
			legal_name = COALESCE(excluded.legal_name, legal_name),
			lei_code = COALESCE(excluded.lei_code, lei_code),
			mcc_code = COALESCE(excluded.mcc_code, mcc_code),
			address_country = COALESCE(excluded.address_country, address_country),
			profile = excluded.profile,
			ivms101_data = COALESCE(excluded.ivms101_data, ivms101_data),
			updated_at = excluded.updated_at`,
		c.ID, c.AgentDID, string(c.SchemaType), nullable(c.GivenName), nullable(c.FamilyName),
		nullable(c.DisplayName), nullable(c.LegalName), nullable(c.LEICode), nullable(c.MCCCode),
		nullable(c.Country), string(c.Profile), nullableRaw(c.IVMS101Data), now, now)
	if err != nil {
		return taperr.Wrap(taperr.KindStorage, err, "upsert customer")
	}
	return nil
}

// GetCustomer fetches a customer by id.
func (s *Store) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_did, schema_type, given_name, family_name, display_name,
		       legal_name, lei_code, mcc_code, address_country, profile,
		       ivms101_data, created_at, updated_at
		FROM customers WHERE id = ?`, id)

	var (
		c          Customer
		schemaType string
		given      sql.NullString
		family     sql.NullString
		display    sql.NullString
		legal      sql.NullString
		lei        sql.NullString
		mcc        sql.NullString
		country    sql.NullString
		profile    string
		ivms       sql.NullString
		createdAt  string
		updatedAt  string
	)
	err := row.Scan(&c.ID, &c.AgentDID, &schemaType, &given, &family, &display,
		&legal, &lei, &mcc, &country, &profile, &ivms, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, taperr.New(taperr.KindNotFound, "customer %s not found", id)
	}
	if err != nil {
		return nil, taperr.Wrap(taperr.KindStorage, err, "scan customer")
	}
	c.SchemaType = SchemaType(schemaType)
	c.GivenName = given.String
	c.FamilyName = family.String
	c.DisplayName = display.String
	c.LegalName = legal.String
	c.LEICode = lei.String
	c.MCCCode = mcc.String
	c.Country = country.String
	c.Profile = json.RawMessage(profile)
	if ivms.Valid {
		c.IVMS101Data = json.RawMessage(ivms.String)
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// UpsertCustomerIdentifier links an IRI alias to a customer.
func (s *Store) UpsertCustomerIdentifier(ctx context.Context, ci *CustomerIdentifier) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customer_identifiers (id, customer_id, identifier_type, verified, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET verified = excluded.verified`,
		ci.ID, ci.CustomerID, ci.IdentifierType, ci.Verified, nowUTC())
	if err != nil {
		return taperr.Wrap(taperr.KindStorage, err, "upsert customer identifier")
	}
	return nil
}

// ListCustomerIdentifiers returns a customer's IRI aliases.
func (s *Store) ListCustomerIdentifiers(ctx context.Context, customerID string) ([]*CustomerIdentifier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, identifier_type, verified, created_at
		FROM customer_identifiers WHERE customer_id = ? ORDER BY created_at ASC`, customerID)
	if err != nil {
		return nil, taperr.Wrap(taperr.KindStorage, err, "list customer identifiers")
	}
	defer func() { _ = rows.Close() }()

	var out []*CustomerIdentifier
	for rows.Next() {
		var (
			ci        CustomerIdentifier
			createdAt string
		)
		if err := rows.Scan(&ci.ID, &ci.CustomerID, &ci.IdentifierType, &ci.Verified, &createdAt); err != nil {
			return nil, taperr.Wrap(taperr.KindStorage, err, "scan customer identifier")
		}
		ci.CreatedAt = parseTime(createdAt)
		out = append(out, &ci)
	}
	if err := rows.Err(); err != nil {
		return nil, taperr.Wrap(taperr.KindStorage, err, "customer identifier rows")
	}
	return out, nil
}

// InsertCustomerRelationship records a confirmed or pending relationship.
func (s *Store) InsertCustomerRelationship(ctx context.Context, cr *CustomerRelationship) error {
	var confirmedAt any
	if cr.ConfirmedAt != nil {
		confirmedAt = cr.ConfirmedAt.UTC().Format("2006-01-02T15:04:05.999999999Z07:00")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customer_relationships (id, customer_id, relationship_type,
		                                    related_identifier, proof, confirmed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET proof = COALESCE(excluded.proof, proof),
			confirmed_at = COALESCE(excluded.confirmed_at, confirmed_at)`,
		cr.ID, cr.CustomerID, cr.RelationshipType, cr.RelatedIdentifier,
		nullableRaw(cr.Proof), confirmedAt, nowUTC())
	if err != nil {
		return taperr.Wrap(taperr.KindStorage, err, "insert customer relationship")
	}
	return nil
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
