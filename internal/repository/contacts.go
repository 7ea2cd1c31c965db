package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sos-guardian/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrContactNotFound 查无此联系人
var ErrContactNotFound = errors.New("trusted contact not found")

// ContactsRepository 紧急联系人仓库
type ContactsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewContactsRepository 创建紧急联系人仓库
func NewContactsRepository(db *sql.DB, logger *zap.Logger) *ContactsRepository {
	return &ContactsRepository{
		db:     db,
		logger: logger,
	}
}

// ListTrustedContacts 查询 owner 的紧急联系人（主联系人在前）
func (r *ContactsRepository) ListTrustedContacts(ctx context.Context, tenantID, ownerID string) ([]*models.TrustedContact, error) {
	if tenantID == "" {
		return []*models.TrustedContact{}, nil
	}
	if ownerID == "" {
		return nil, fmt.Errorf("owner_id is required")
	}

	query := `
		SELECT
			contact_id,
			tenant_id,
			owner_id,
			name,
			phone,
			relationship,
			is_primary,
			channels,
			created_at,
			updated_at
		FROM trusted_contacts
		WHERE tenant_id = $1
		  AND owner_id = $2
		ORDER BY is_primary DESC, created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, tenantID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trusted contacts: %w", err)
	}
	defer rows.Close()

	contacts := []*models.TrustedContact{}
	for rows.Next() {
		var contact models.TrustedContact
		var channels []byte

		err := rows.Scan(
			&contact.ContactID,
			&contact.TenantID,
			&contact.OwnerID,
			&contact.Name,
			&contact.Phone,
			&contact.Relationship,
			&contact.IsPrimary,
			&channels,
			&contact.CreatedAt,
			&contact.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trusted contact: %w", err)
		}

		// 处理 JSONB 字段
		if len(channels) > 0 {
			if err := json.Unmarshal(channels, &contact.Channels); err != nil {
				return nil, fmt.Errorf("failed to unmarshal contact channels: %w", err)
			}
		}
		if len(contact.Channels) == 0 {
			// 未配置渠道时默认短信
			contact.Channels = []models.NotifyChannel{models.ChannelSMS}
		}

		contacts = append(contacts, &contact)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trusted contacts: %w", err)
	}

	return contacts, nil
}

// AddTrustedContact 新增紧急联系人
func (r *ContactsRepository) AddTrustedContact(ctx context.Context, tenantID string, contact *models.TrustedContact) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if contact == nil {
		return fmt.Errorf("contact is required")
	}
	if contact.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	if contact.Phone == "" {
		return fmt.Errorf("phone is required")
	}

	if contact.ContactID == "" {
		contact.ContactID = uuid.New().String()
	}
	if len(contact.Channels) == 0 {
		contact.Channels = []models.NotifyChannel{models.ChannelSMS}
	}

	channelsJSON, err := json.Marshal(contact.Channels)
	if err != nil {
		return fmt.Errorf("failed to marshal contact channels: %w", err)
	}

	now := time.Now()

	query := `
		INSERT INTO trusted_contacts (
			contact_id,
			tenant_id,
			owner_id,
			name,
			phone,
			relationship,
			is_primary,
			channels,
			created_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
	`

	_, err = r.db.ExecContext(ctx,
		query,
		contact.ContactID,
		tenantID,
		contact.OwnerID,
		contact.Name,
		contact.Phone,
		contact.Relationship,
		contact.IsPrimary,
		channelsJSON,
		now,
		now,
	)

	if err != nil {
		return fmt.Errorf("failed to add trusted contact: %w", err)
	}

	return nil
}

// RemoveTrustedContact 删除紧急联系人
func (r *ContactsRepository) RemoveTrustedContact(ctx context.Context, tenantID, contactID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if contactID == "" {
		return fmt.Errorf("contact_id is required")
	}

	query := `
		DELETE FROM trusted_contacts
		WHERE contact_id = $1
		  AND tenant_id = $2
	`

	result, err := r.db.ExecContext(ctx, query, contactID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to remove trusted contact: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: contact_id=%s, tenant_id=%s", ErrContactNotFound, contactID, tenantID)
	}

	return nil
}
