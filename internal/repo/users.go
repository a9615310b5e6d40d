package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/Katsud0n0/final-jd-21/internal/domain"
)

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Username, &u.FullName, &u.Department, &u.Role, &u.Email, &u.Password, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

const userColumns = `id,username,COALESCE(full_name,''),department,COALESCE(role,''),COALESCE(email,''),COALESCE(password,''),created_at`

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,username,full_name,department,role,email,password,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		u.ID, u.Username, nullable(u.FullName), u.Department, nullable(u.Role), nullable(u.Email), nullable(u.Password), u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByUsername(ctx context.Context, username string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username=?`, username))
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

var userFieldColumns = map[string]string{
	"username":   "username",
	"fullName":   "full_name",
	"department": "department",
	"role":       "role",
	"email":      "email",
	"password":   "password",
}

func (r Repo) UpdateUserFields(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	var (
		sets []string
		args []any
	)
	for name, value := range fields {
		col, ok := userFieldColumns[name]
		if !ok {
			return fmt.Errorf("unknown user field %q", name)
		}
		sets = append(sets, col+"=?")
		args = append(args, value)
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE users SET %s WHERE id=?`, strings.Join(sets, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertDepartment(ctx context.Context, d domain.Department) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO departments(id,name,icon,color,description) VALUES (?,?,?,?,?)`,
		d.ID, d.Name, nullable(d.Icon), nullable(d.Color), nullable(d.Description))
	return err
}

func (r Repo) GetDepartmentByName(ctx context.Context, name string) (domain.Department, error) {
	var d domain.Department
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,COALESCE(icon,''),COALESCE(color,''),COALESCE(description,'') FROM departments WHERE name=?`, name).
		Scan(&d.ID, &d.Name, &d.Icon, &d.Color, &d.Description)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) ListDepartments(ctx context.Context) ([]domain.Department, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(icon,''),COALESCE(color,''),COALESCE(description,'') FROM departments ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Department
	for rows.Next() {
		var d domain.Department
		if err := rows.Scan(&d.ID, &d.Name, &d.Icon, &d.Color, &d.Description); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
