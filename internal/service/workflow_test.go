package service

// In-memory store fixture shared by the workflow and visibility tests.
// Transactions are satisfied by a sqlmock-backed BeginTxx; the stores
// ignore the tx handle and mutate shared state directly.

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/mailtrack-api/internal/models"
)

type memStore struct {
	mu          sync.Mutex
	users       map[string]*models.User
	sections    map[string]*models.Section
	subsections map[string]*models.Subsection
	mails       map[string]*models.MailRecord
	assignments map[string]*models.MailAssignment
	assignOrder []string
	remarks     map[string][]models.AssignmentRemark
	audits      []models.AuditTrail
	attachments map[string][]models.MailAttachment
	slSeq       map[int]int
	tick        int64
}

func newMemStore() *memStore {
	return &memStore{
		users:       map[string]*models.User{},
		sections:    map[string]*models.Section{},
		subsections: map[string]*models.Subsection{},
		mails:       map[string]*models.MailRecord{},
		assignments: map[string]*models.MailAssignment{},
		remarks:     map[string][]models.AssignmentRemark{},
		attachments: map[string][]models.MailAttachment{},
		slSeq:       map[int]int{},
	}
}

var testEpoch = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func (m *memStore) now() time.Time {
	m.tick++
	return testEpoch.Add(time.Duration(m.tick) * time.Second)
}

func (m *memStore) sectionOf(u *models.User) *string {
	if u.SubsectionID == nil {
		return nil
	}
	sub, ok := m.subsections[*u.SubsectionID]
	if !ok {
		return nil
	}
	id := sub.SectionID
	return &id
}

// --- view types over the shared state ---

type mailsMem struct{ *memStore }
type assignsMem struct{ *memStore }
type auditsMem struct{ *memStore }
type attachMem struct{ *memStore }
type usersMem struct{ *memStore }
type sectionsMem struct{ *memStore }

// mailStore

func (m mailsMem) NextSerialNumberWithTx(_ context.Context, _ *sqlx.Tx, now time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	year := now.UTC().Year()
	m.slSeq[year]++
	return fmt.Sprintf("%d/%03d", year, m.slSeq[year]), nil
}

func (m mailsMem) CreateWithTx(_ context.Context, _ *sqlx.Tx, mail *models.MailRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mail.ID == "" {
		mail.ID = uuid.NewString()
	}
	ts := m.nowLocked()
	mail.CreatedAt = ts
	mail.UpdatedAt = ts
	cp := *mail
	m.mails[mail.ID] = &cp
	return nil
}

func (m *memStore) nowLocked() time.Time {
	m.tick++
	return testEpoch.Add(time.Duration(m.tick) * time.Second)
}

func (m mailsMem) GetByID(_ context.Context, id string) (*models.MailRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mail, ok := m.mails[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *mail
	m.decorate(&cp)
	return &cp, nil
}

func (m mailsMem) GetByIDWithTx(ctx context.Context, _ *sqlx.Tx, id string) (*models.MailRecord, error) {
	return m.GetByID(ctx, id)
}

func (m *memStore) decorate(mail *models.MailRecord) {
	if u, ok := m.users[mail.AssignedTo]; ok {
		name := u.FullName
		mail.AssignedToName = &name
	}
	if u, ok := m.users[mail.CurrentHandler]; ok {
		name := u.FullName
		mail.CurrentHandlerName = &name
	}
}

func (m mailsMem) List(_ context.Context, filter models.MailFilter, vis models.MailVisibility) ([]models.MailRecord, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	touched := map[string]bool{}
	for _, id := range vis.TouchedMailIDs {
		touched[id] = true
	}
	assigned := map[string]bool{}
	for _, id := range vis.AssignedMailIDs {
		assigned[id] = true
	}

	var out []models.MailRecord
	for _, mail := range m.mails {
		if !m.mailVisible(mail, vis, touched, assigned) {
			continue
		}
		if filter.Status != "" && mail.Status != filter.Status {
			continue
		}
		if filter.SectionID != "" && (mail.SectionID == nil || *mail.SectionID != filter.SectionID) {
			continue
		}
		cp := *mail
		m.decorate(&cp)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, len(out), nil
}

func (m *memStore) mailVisible(mail *models.MailRecord, vis models.MailVisibility, touched, assigned map[string]bool) bool {
	if vis.All {
		return true
	}
	if vis.HandlerOrAssignee && (mail.CurrentHandler == vis.UserID || mail.AssignedTo == vis.UserID) {
		return true
	}
	if vis.CreatorOK && mail.CreatedBy == vis.UserID {
		return true
	}
	if mail.SectionID != nil && contains(vis.SectionIDs, *mail.SectionID) {
		return true
	}
	if mail.SubsectionID != nil && contains(vis.SubsectionIDs, *mail.SubsectionID) {
		return true
	}
	if mail.SubsectionID == nil && mail.SectionID != nil && contains(vis.NullSubsectionIn, *mail.SectionID) {
		return true
	}
	if touched[mail.ID] || assigned[mail.ID] {
		return true
	}
	if len(vis.SupervisedSectionIDs) > 0 {
		for _, aid := range m.assignOrder {
			a := m.assignments[aid]
			if a.MailRecordID != mail.ID {
				continue
			}
			holder := a.CurrentAssignee()
			if u, ok := m.users[holder]; ok {
				if sec := m.sectionOf(u); sec != nil && contains(vis.SupervisedSectionIDs, *sec) {
					return true
				}
			}
		}
	}
	return false
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func (m mailsMem) Update(_ context.Context, mail *models.MailRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mail.UpdatedAt = m.nowLocked()
	cp := *mail
	m.mails[mail.ID] = &cp
	return nil
}

func (m mailsMem) UpdateWithTx(ctx context.Context, _ *sqlx.Tx, mail *models.MailRecord) error {
	return m.Update(ctx, mail)
}

func (m mailsMem) UpdateConsolidatedRemarks(_ context.Context, id string, remarks *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mail, ok := m.mails[id]; ok {
		mail.ConsolidatedRemarks = remarks
	}
	return nil
}

// assignment store (both halves)

func (m assignsMem) CreateWithTx(_ context.Context, _ *sqlx.Tx, a *models.MailAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.assignOrder {
		existing := m.assignments[id]
		if existing.MailRecordID == a.MailRecordID && existing.AssignedTo == a.AssignedTo && existing.Status == models.AssignmentActive {
			return &pq.Error{Code: "23505"}
		}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	ts := m.nowLocked()
	a.CreatedAt = ts
	a.UpdatedAt = ts
	cp := *a
	m.assignments[a.ID] = &cp
	m.assignOrder = append(m.assignOrder, a.ID)
	return nil
}

func (m assignsMem) GetByID(_ context.Context, id string) (*models.MailAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *a
	m.decorateAssignment(&cp)
	return &cp, nil
}

func (m *memStore) decorateAssignment(a *models.MailAssignment) {
	if u, ok := m.users[a.AssignedTo]; ok {
		name := u.FullName
		a.AssignedToName = &name
		a.AssigneeSectionID = m.sectionOf(u)
	}
	if a.ReassignedTo != nil {
		if u, ok := m.users[*a.ReassignedTo]; ok {
			name := u.FullName
			a.ReassignedToName = &name
			a.DelegateSectionID = m.sectionOf(u)
		}
	}
}

func (m assignsMem) ListByMail(_ context.Context, mailID string) ([]models.MailAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.MailAssignment
	for _, id := range m.assignOrder {
		a := m.assignments[id]
		if a.MailRecordID != mailID {
			continue
		}
		cp := *a
		m.decorateAssignment(&cp)
		out = append(out, cp)
	}
	return out, nil
}

func (m assignsMem) HasActiveForAssignee(_ context.Context, mailID, assigneeID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.assignOrder {
		a := m.assignments[id]
		if a.MailRecordID == mailID && a.AssignedTo == assigneeID && a.Status == models.AssignmentActive {
			return true, nil
		}
	}
	return false, nil
}

func (m assignsMem) HasActiveForAssigneeWithTx(ctx context.Context, _ *sqlx.Tx, mailID, assigneeID string) (bool, error) {
	return m.HasActiveForAssignee(ctx, mailID, assigneeID)
}

func (m assignsMem) CompleteForCurrentAssigneeWithTx(_ context.Context, _ *sqlx.Tx, mailID, userID string, at time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.assignOrder {
		a := m.assignments[id]
		if a.MailRecordID == mailID && a.Status == models.AssignmentActive && a.CurrentAssignee() == userID {
			a.Status = models.AssignmentCompleted
			a.CompletedAt = &at
			return a.ID, nil
		}
	}
	return "", nil
}

func (m assignsMem) CompleteAllActiveWithTx(_ context.Context, _ *sqlx.Tx, mailID string, at time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, id := range m.assignOrder {
		a := m.assignments[id]
		if a.MailRecordID == mailID && a.Status == models.AssignmentActive {
			a.Status = models.AssignmentCompleted
			a.CompletedAt = &at
			ids = append(ids, a.ID)
		}
	}
	return ids, nil
}

func (m assignsMem) DelegateWithTx(_ context.Context, _ *sqlx.Tx, id, targetID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok || a.Status != models.AssignmentActive {
		return sql.ErrNoRows
	}
	a.ReassignedTo = &targetID
	a.ReassignedAt = &at
	return nil
}

func (m assignsMem) CompleteWithTx(_ context.Context, _ *sqlx.Tx, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok || a.Status != models.AssignmentActive {
		return sql.ErrNoRows
	}
	a.Status = models.AssignmentCompleted
	a.CompletedAt = &at
	return nil
}

func (m assignsMem) RevokeWithTx(_ context.Context, _ *sqlx.Tx, id string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok || a.Status != models.AssignmentActive {
		return sql.ErrNoRows
	}
	a.Status = models.AssignmentRevoked
	return nil
}

func (m assignsMem) addRemark(remark *models.AssignmentRemark) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if remark.ID == "" {
		remark.ID = uuid.NewString()
	}
	remark.CreatedAt = m.nowLocked()
	if u, ok := m.users[remark.CreatedBy]; ok {
		name := u.FullName
		remark.CreatedByName = &name
	}
	m.remarks[remark.AssignmentID] = append(m.remarks[remark.AssignmentID], *remark)
}

func (m assignsMem) AddRemark(_ context.Context, remark *models.AssignmentRemark) error {
	m.addRemark(remark)
	return nil
}

func (m assignsMem) AddRemarkWithTx(_ context.Context, _ *sqlx.Tx, remark *models.AssignmentRemark) error {
	m.addRemark(remark)
	return nil
}

func (m assignsMem) ListRemarks(_ context.Context, assignmentID string) ([]models.AssignmentRemark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AssignmentRemark(nil), m.remarks[assignmentID]...), nil
}

func (m assignsMem) ListRemarksByMail(_ context.Context, mailID string) (map[string][]models.AssignmentRemark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string][]models.AssignmentRemark{}
	for _, id := range m.assignOrder {
		a := m.assignments[id]
		if a.MailRecordID != mailID {
			continue
		}
		if timeline, ok := m.remarks[id]; ok {
			out[id] = append([]models.AssignmentRemark(nil), timeline...)
		}
	}
	return out, nil
}

func (m assignsMem) MailIDsForCurrentAssignee(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var ids []string
	for _, id := range m.assignOrder {
		a := m.assignments[id]
		if a.Status == models.AssignmentActive && a.CurrentAssignee() == userID && !seen[a.MailRecordID] {
			seen[a.MailRecordID] = true
			ids = append(ids, a.MailRecordID)
		}
	}
	return ids, nil
}

// audit store

func (m auditsMem) create(entry *models.AuditTrail) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.CreatedAt = m.nowLocked()
	m.audits = append(m.audits, *entry)
}

func (m auditsMem) Create(_ context.Context, entry *models.AuditTrail) error {
	m.create(entry)
	return nil
}

func (m auditsMem) CreateWithTx(_ context.Context, _ *sqlx.Tx, entry *models.AuditTrail) error {
	m.create(entry)
	return nil
}

func (m auditsMem) ListByMail(_ context.Context, mailID string) ([]models.AuditTrail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditTrail
	for _, e := range m.audits {
		if e.MailRecordID == mailID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m auditsMem) TouchedMailIDs(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var ids []string
	for _, e := range m.audits {
		if e.PerformedBy == userID && !seen[e.MailRecordID] {
			seen[e.MailRecordID] = true
			ids = append(ids, e.MailRecordID)
		}
	}
	return ids, nil
}

// attachment lister

func (m attachMem) ListByMail(_ context.Context, mailID string) ([]models.MailAttachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.MailAttachment(nil), m.attachments[mailID]...), nil
}

// user store

func (m usersMem) FindByID(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *u
	return &cp, nil
}

func (m usersMem) FindByIDs(_ context.Context, ids []string) ([]models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.User
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (m usersMem) FindPrimaryAG(_ context.Context) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var fallback *models.User
	for _, u := range m.users {
		if u.Role != models.RoleAG || !u.Active {
			continue
		}
		if u.IsPrimaryAG {
			cp := *u
			return &cp, nil
		}
		if fallback == nil {
			fallback = u
		}
	}
	if fallback == nil {
		return nil, sql.ErrNoRows
	}
	cp := *fallback
	return &cp, nil
}

func (m usersMem) FindDAGForSection(_ context.Context, sectionID string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Role == models.RoleDAG && u.Active && contains(u.SectionIDs, sectionID) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m usersMem) FindFirstOfficerInSubsection(_ context.Context, subsectionID string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, u := range m.users {
		if u.Role.IsStaffOfficer() && u.Active && u.SubsectionID != nil && *u.SubsectionID == subsectionID {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, sql.ErrNoRows
	}
	sort.Strings(ids)
	cp := *m.users[ids[0]]
	return &cp, nil
}

// section store

func (m sectionsMem) ListSections(_ context.Context) ([]models.Section, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Section
	for _, s := range m.sections {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m sectionsMem) ListSubsections(_ context.Context, sectionID string) ([]models.Subsection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Subsection
	for _, s := range m.subsections {
		if sectionID == "" || s.SectionID == sectionID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m sectionsMem) FindSectionByID(_ context.Context, id string) (*models.Section, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sections[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *s
	return &cp, nil
}

func (m sectionsMem) FindSubsectionByID(_ context.Context, id string) (*models.Subsection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subsections[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *s
	return &cp, nil
}

func (m sectionsMem) SectionsOfSubsections(_ context.Context, subsectionIDs []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]string{}
	for _, id := range subsectionIDs {
		if s, ok := m.subsections[id]; ok {
			out[id] = s.SectionID
		}
	}
	return out, nil
}

func (m sectionsMem) SubsectionIDsOfSections(_ context.Context, sectionIDs []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, s := range m.subsections {
		if contains(sectionIDs, s.SectionID) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// --- fixture ---

type fixture struct {
	store   *memStore
	org     *OrgService
	vis     *VisibilityService
	mails   *MailService
	assigns *AssignmentService
}

func newTxProvider(t *testing.T) *sqlx.DB {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 128; i++ {
		mock.ExpectBegin()
		mock.ExpectCommit()
		mock.ExpectRollback()
	}
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock")
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemStore()

	org := NewOrgService(usersMem{store}, sectionsMem{store}, nil)
	vis := NewVisibilityService(auditsMem{store}, assignsMem{store}, sectionsMem{store}, nil)
	tx := newTxProvider(t)

	mails := NewMailService(MailServiceParams{
		Tx:          tx,
		Mails:       mailsMem{store},
		Assignments: assignsMem{store},
		Audits:      auditsMem{store},
		Users:       usersMem{store},
		Attachments: attachMem{store},
		Org:         org,
		Visibility:  vis,
	})
	assigns := NewAssignmentService(tx, assignsMem{store}, mailsMem{store}, auditsMem{store}, usersMem{store}, nil, org, nil, nil, nil)

	return &fixture{store: store, org: org, vis: vis, mails: mails, assigns: assigns}
}

func (f *fixture) addSection(id, name string, directlyUnderAG bool) {
	f.store.sections[id] = &models.Section{ID: id, Name: name, DirectlyUnderAG: directlyUnderAG}
}

func (f *fixture) addSubsection(id, sectionID, name string) {
	f.store.subsections[id] = &models.Subsection{ID: id, SectionID: sectionID, Name: name}
}

func (f *fixture) addUser(id string, role models.UserRole, opts func(*models.User)) *models.User {
	u := &models.User{ID: id, Email: id + "@office.test", FullName: "User " + id, Role: role, Active: true}
	if opts != nil {
		opts(u)
	}
	f.store.users[id] = u
	return u
}

// seedOffice builds the standard two-section office used across tests:
// ag, dag1 (sec-1), dag2 (sec-2), srao1/aao1 (sub-1a), srao2/aao2
// (sub-2a), clerk1 (sub-1a), auditor1 (sub-1a).
func seedOffice(f *fixture) {
	f.addSection("sec-1", "Accounts", false)
	f.addSection("sec-2", "Audit", false)
	f.addSubsection("sub-1a", "sec-1", "Accounts A")
	f.addSubsection("sub-2a", "sec-2", "Audit A")

	f.addUser("ag", models.RoleAG, func(u *models.User) { u.IsPrimaryAG = true })
	f.addUser("dag1", models.RoleDAG, func(u *models.User) { u.SectionIDs = []string{"sec-1"} })
	f.addUser("dag2", models.RoleDAG, func(u *models.User) { u.SectionIDs = []string{"sec-2"} })
	sub1a := "sub-1a"
	sub2a := "sub-2a"
	f.addUser("srao1", models.RoleSrAO, func(u *models.User) { u.SubsectionID = &sub1a })
	f.addUser("aao1", models.RoleAAO, func(u *models.User) { u.SubsectionID = &sub1a })
	f.addUser("srao2", models.RoleSrAO, func(u *models.User) { u.SubsectionID = &sub2a })
	f.addUser("aao2", models.RoleAAO, func(u *models.User) { u.SubsectionID = &sub2a })
	f.addUser("clerk1", models.RoleClerk, func(u *models.User) { u.SubsectionID = &sub1a })
	f.addUser("auditor1", models.RoleAuditor, func(u *models.User) { u.AuditorSubsectionIDs = []string{"sub-1a"} })
}

func (f *fixture) user(id string) *models.User {
	return f.store.users[id]
}

func (f *fixture) activeAssignmentCount(mailID string) int {
	n := 0
	for _, id := range f.store.assignOrder {
		a := f.store.assignments[id]
		if a.MailRecordID == mailID && a.Status == models.AssignmentActive {
			n++
		}
	}
	return n
}

func (f *fixture) auditCount(mailID, action string) int {
	n := 0
	for _, e := range f.store.audits {
		if e.MailRecordID == mailID && e.Action == action {
			n++
		}
	}
	return n
}
