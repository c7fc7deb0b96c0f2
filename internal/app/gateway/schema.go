package gateway

import (
	"context"
	"fmt"
)

// NotifyChannel is the LISTEN/NOTIFY channel the change triggers publish on.
const NotifyChannel = "agenda_changes"

const createExtensionSQL = `CREATE EXTENSION IF NOT EXISTS pgcrypto`

const createClientRoleSQL = `
DO $$
BEGIN
  IF NOT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = 'agenda_client') THEN
    CREATE ROLE agenda_client NOLOGIN;
  END IF;
END
$$`

const grantClientRoleSQL = `GRANT agenda_client TO CURRENT_USER`

const createPrincipalsTableSQL = `
CREATE TABLE IF NOT EXISTS principals (
  id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
  email text NOT NULL UNIQUE,
  display_name text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL DEFAULT now()
)`

const createAppPrincipalFuncSQL = `
CREATE OR REPLACE FUNCTION app_principal() RETURNS uuid
LANGUAGE sql STABLE AS $$
  SELECT nullif(current_setting('app.principal_id', true), '')::uuid
$$`

const createAgendasTableSQL = `
CREATE TABLE IF NOT EXISTS agendas (
  id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
  name text NOT NULL CHECK (length(btrim(name)) > 0),
  owner_id uuid NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
  created_at timestamptz NOT NULL DEFAULT now()
)`

const createShareGrantsTableSQL = `
CREATE TABLE IF NOT EXISTS share_grants (
  id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
  agenda_id uuid NOT NULL REFERENCES agendas(id) ON DELETE CASCADE,
  grantee_id uuid NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
  permission text NOT NULL CHECK (permission IN ('view', 'edit')),
  created_at timestamptz NOT NULL DEFAULT now(),
  UNIQUE (agenda_id, grantee_id)
)`

const createAppointmentsTableSQL = `
CREATE TABLE IF NOT EXISTS appointments (
  id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
  title text NOT NULL CHECK (length(btrim(title)) > 0),
  date text NOT NULL CHECK (date ~ '^\d{4}-\d{2}-\d{2}$'),
  time text NOT NULL CHECK (time ~ '^\d{2}:\d{2}$'),
  note text NOT NULL DEFAULT '',
  category text NOT NULL DEFAULT 'other',
  priority text NOT NULL DEFAULT 'medium',
  status text NOT NULL DEFAULT 'pending',
  recurrence text NOT NULL DEFAULT 'none',
  alerts text[] NOT NULL DEFAULT '{}',
  attachments text[] NOT NULL DEFAULT '{}',
  created_at timestamptz NOT NULL DEFAULT now(),
  agenda_id uuid REFERENCES agendas(id) ON DELETE CASCADE,
  created_by uuid DEFAULT app_principal() REFERENCES principals(id) ON DELETE SET NULL
)`

const createAppointmentsDateIndexSQL = `
CREATE INDEX IF NOT EXISTS appointments_date_time_idx ON appointments (date, time)`

// Access helpers run as the table owner so policies on one table can consult
// another without recursing through its policies.
const createAccessFuncsSQL = `
CREATE OR REPLACE FUNCTION is_agenda_owner(target uuid) RETURNS boolean
LANGUAGE sql STABLE SECURITY DEFINER SET search_path = public AS $$
  SELECT EXISTS (SELECT 1 FROM agendas WHERE id = target AND owner_id = app_principal())
$$;

CREATE OR REPLACE FUNCTION has_agenda_access(target uuid) RETURNS boolean
LANGUAGE sql STABLE SECURITY DEFINER SET search_path = public AS $$
  SELECT is_agenda_owner(target) OR EXISTS (
    SELECT 1 FROM share_grants WHERE agenda_id = target AND grantee_id = app_principal()
  )
$$;

CREATE OR REPLACE FUNCTION can_edit_agenda(target uuid) RETURNS boolean
LANGUAGE sql STABLE SECURITY DEFINER SET search_path = public AS $$
  SELECT is_agenda_owner(target) OR EXISTS (
    SELECT 1 FROM share_grants
    WHERE agenda_id = target AND grantee_id = app_principal() AND permission = 'edit'
  )
$$`

const enableRLSSQL = `
ALTER TABLE principals ENABLE ROW LEVEL SECURITY;
ALTER TABLE agendas ENABLE ROW LEVEL SECURITY;
ALTER TABLE share_grants ENABLE ROW LEVEL SECURITY;
ALTER TABLE appointments ENABLE ROW LEVEL SECURITY`

const createPoliciesSQL = `
DROP POLICY IF EXISTS principals_self ON principals;
CREATE POLICY principals_self ON principals FOR SELECT TO agenda_client
  USING (id = app_principal());

DROP POLICY IF EXISTS agendas_read ON agendas;
CREATE POLICY agendas_read ON agendas FOR SELECT TO agenda_client
  USING (owner_id = app_principal() OR has_agenda_access(id));
DROP POLICY IF EXISTS agendas_insert ON agendas;
CREATE POLICY agendas_insert ON agendas FOR INSERT TO agenda_client
  WITH CHECK (owner_id = app_principal());
DROP POLICY IF EXISTS agendas_update ON agendas;
CREATE POLICY agendas_update ON agendas FOR UPDATE TO agenda_client
  USING (owner_id = app_principal()) WITH CHECK (owner_id = app_principal());
DROP POLICY IF EXISTS agendas_delete ON agendas;
CREATE POLICY agendas_delete ON agendas FOR DELETE TO agenda_client
  USING (owner_id = app_principal());

DROP POLICY IF EXISTS share_grants_read ON share_grants;
CREATE POLICY share_grants_read ON share_grants FOR SELECT TO agenda_client
  USING (grantee_id = app_principal() OR is_agenda_owner(agenda_id));
DROP POLICY IF EXISTS share_grants_delete ON share_grants;
CREATE POLICY share_grants_delete ON share_grants FOR DELETE TO agenda_client
  USING (grantee_id = app_principal() OR is_agenda_owner(agenda_id));

DROP POLICY IF EXISTS appointments_read ON appointments;
CREATE POLICY appointments_read ON appointments FOR SELECT TO agenda_client
  USING ((agenda_id IS NULL AND created_by = app_principal()) OR has_agenda_access(agenda_id));
DROP POLICY IF EXISTS appointments_insert ON appointments;
CREATE POLICY appointments_insert ON appointments FOR INSERT TO agenda_client
  WITH CHECK (created_by = app_principal() AND (agenda_id IS NULL OR can_edit_agenda(agenda_id)));
DROP POLICY IF EXISTS appointments_update ON appointments;
CREATE POLICY appointments_update ON appointments FOR UPDATE TO agenda_client
  USING ((agenda_id IS NULL AND created_by = app_principal()) OR can_edit_agenda(agenda_id))
  WITH CHECK ((agenda_id IS NULL AND created_by = app_principal()) OR can_edit_agenda(agenda_id));
DROP POLICY IF EXISTS appointments_delete ON appointments;
CREATE POLICY appointments_delete ON appointments FOR DELETE TO agenda_client
  USING ((agenda_id IS NULL AND created_by = app_principal()) OR can_edit_agenda(agenda_id))`

// Share grants are written only through the privileged connection.
const grantTablesSQL = `
GRANT USAGE ON SCHEMA public TO agenda_client;
GRANT SELECT ON principals TO agenda_client;
GRANT SELECT, INSERT, UPDATE, DELETE ON agendas, appointments TO agenda_client;
GRANT SELECT, DELETE ON share_grants TO agenda_client;
GRANT EXECUTE ON FUNCTION app_principal(), is_agenda_owner(uuid), has_agenda_access(uuid), can_edit_agenda(uuid) TO agenda_client`

const createNotifyFuncSQL = `
CREATE OR REPLACE FUNCTION notify_agenda_change() RETURNS trigger
LANGUAGE plpgsql AS $$
DECLARE
  rec record;
  agenda uuid;
  principal uuid;
BEGIN
  IF TG_OP = 'DELETE' THEN rec := OLD; ELSE rec := NEW; END IF;
  IF TG_TABLE_NAME = 'agendas' THEN
    agenda := rec.id;
    principal := rec.owner_id;
  ELSIF TG_TABLE_NAME = 'share_grants' THEN
    agenda := rec.agenda_id;
    principal := rec.grantee_id;
  ELSE
    agenda := rec.agenda_id;
    principal := rec.created_by;
  END IF;
  PERFORM pg_notify('agenda_changes', json_build_object(
    'table', TG_TABLE_NAME,
    'op', lower(TG_OP),
    'agenda_id', agenda,
    'principal_id', principal
  )::text);
  IF TG_OP = 'UPDATE' AND TG_TABLE_NAME = 'appointments' THEN
    IF OLD.agenda_id IS DISTINCT FROM NEW.agenda_id THEN
      PERFORM pg_notify('agenda_changes', json_build_object(
        'table', TG_TABLE_NAME, 'op', 'update', 'agenda_id', OLD.agenda_id, 'principal_id', OLD.created_by
      )::text);
    END IF;
  END IF;
  RETURN NULL;
END
$$`

var notifyTables = []string{"agendas", "share_grants", "appointments"}

// EnsureSchema creates the development schema: tables, access helpers, row
// policies and change triggers. Every statement is idempotent.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	statements := []string{
		createExtensionSQL,
		createClientRoleSQL,
		grantClientRoleSQL,
		createPrincipalsTableSQL,
		createAppPrincipalFuncSQL,
		createAgendasTableSQL,
		createShareGrantsTableSQL,
		createAppointmentsTableSQL,
		createAppointmentsDateIndexSQL,
		createAccessFuncsSQL,
		enableRLSSQL,
		createPoliciesSQL,
		grantTablesSQL,
		createNotifyFuncSQL,
	}
	for _, table := range notifyTables {
		statements = append(statements,
			fmt.Sprintf(`DROP TRIGGER IF EXISTS %s_notify ON %s`, table, table),
			fmt.Sprintf(`CREATE TRIGGER %s_notify AFTER INSERT OR UPDATE OR DELETE ON %s
			 FOR EACH ROW EXECUTE FUNCTION notify_agenda_change()`, table, table),
		)
	}
	for _, stmt := range statements {
		if _, err := p.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
