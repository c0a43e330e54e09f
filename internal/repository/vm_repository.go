package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jbweber/homelab/vmx/internal/domain"
)

const vmColumns = `id, name, bridge, mac_address, memory, cpus, cpu, disk_size, drive_path,
	disk_format, iso_path, port_forward, version, status, pid, volume, snapshot, created_at, updated_at`

const (
	findVMByRefQuery   = "SELECT " + vmColumns + " FROM virtual_machines WHERE name = ? OR id = ? LIMIT 1"
	updateVMStatusStmt = "UPDATE virtual_machines SET status = ?, pid = ?, updated_at = ? WHERE id = ?"
)

// VMRepository extends the generic Repository with instance-specific operations
type VMRepository interface {
	Repository[domain.VM, string]

	Create(ctx context.Context, vm domain.VM) (domain.VM, error)
	Update(ctx context.Context, vm domain.VM) (domain.VM, error)
	FindByName(ctx context.Context, name string) (domain.VM, error)
	// FindByRef accepts either the name or the id
	FindByRef(ctx context.Context, ref string) (domain.VM, error)
	FindByStatus(ctx context.Context, status domain.Status) ([]domain.VM, error)
	// UpdateStatus writes only status and pid
	UpdateStatus(ctx context.Context, id string, status domain.Status, pid int) error
	Close() error
}

// vmRepositoryImpl implements VMRepository
type vmRepositoryImpl struct {
	db    *sql.DB
	stmts *PreparedStatementCache
}

// NewVMRepository creates a new VM repository
func NewVMRepository(db *sql.DB) VMRepository {
	return &vmRepositoryImpl{
		db:    db,
		stmts: NewPreparedStatementCache(db),
	}
}

func scanVM(row rowScanner) (domain.VM, error) {
	var vm domain.VM
	var status string
	var createdAt, updatedAt sql.NullString
	err := row.Scan(&vm.ID, &vm.Name, &vm.Bridge, &vm.MACAddress, &vm.Memory, &vm.CPUs, &vm.CPU,
		&vm.DiskSize, &vm.DrivePath, &vm.DiskFormat, &vm.ISOPath, &vm.PortForward, &vm.Version,
		&status, &vm.PID, &vm.Volume, &vm.Snapshot, &createdAt, &updatedAt)
	if err != nil {
		return domain.VM{}, err
	}
	vm.Status = domain.Status(status)
	vm.CreatedAt = parseTimestamp(createdAt)
	vm.UpdatedAt = parseTimestamp(updatedAt)
	return vm, nil
}

func (r *vmRepositoryImpl) queryVMs(ctx context.Context, op, query string, args ...any) ([]domain.VM, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError(op, err)
	}
	defer rows.Close()

	var vms []domain.VM
	for rows.Next() {
		vm, err := scanVM(rows)
		if err != nil {
			return nil, storageError("scan vm", err)
		}
		vms = append(vms, vm)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(op, err)
	}
	return vms, nil
}

// Save creates the VM when it has no ID, otherwise updates it
func (r *vmRepositoryImpl) Save(ctx context.Context, vm domain.VM) (domain.VM, error) {
	if vm.ID == "" {
		return r.Create(ctx, vm)
	}
	return r.Update(ctx, vm)
}

// Create inserts a new VM, assigning an ID when none is set
func (r *vmRepositoryImpl) Create(ctx context.Context, vm domain.VM) (domain.VM, error) {
	if vm.Name == "" || vm.MACAddress == "" {
		return domain.VM{}, fmt.Errorf("vm name and mac address are required: %w", ErrInvalidEntity)
	}
	if vm.ID == "" {
		vm.ID = uuid.NewString()
	}
	if vm.Status == "" {
		vm.Status = domain.StatusStopped
	}
	now := time.Now()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO virtual_machines (id, name, bridge, mac_address, memory, cpus, cpu, disk_size,
			drive_path, disk_format, iso_path, port_forward, version, status, pid, volume, snapshot, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		vm.ID, vm.Name, vm.Bridge, vm.MACAddress, vm.Memory, vm.CPUs, vm.CPU, vm.DiskSize,
		vm.DrivePath, vm.DiskFormat, vm.ISOPath, vm.PortForward, vm.Version, string(vm.Status),
		vm.PID, vm.Volume, vm.Snapshot, formatTimestamp(now), formatTimestamp(now))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.VM{}, fmt.Errorf("vm %s: %w", vm.Name, ErrDuplicate)
		}
		return domain.VM{}, storageError("create vm", err)
	}

	return r.FindByID(ctx, vm.ID)
}

// Update rewrites every column except status, pid and created_at
func (r *vmRepositoryImpl) Update(ctx context.Context, vm domain.VM) (domain.VM, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE virtual_machines SET name = ?, bridge = ?, mac_address = ?, memory = ?, cpus = ?,
			cpu = ?, disk_size = ?, drive_path = ?, disk_format = ?, iso_path = ?, port_forward = ?,
			version = ?, volume = ?, snapshot = ?, updated_at = ?
		WHERE id = ?`,
		vm.Name, vm.Bridge, vm.MACAddress, vm.Memory, vm.CPUs, vm.CPU, vm.DiskSize, vm.DrivePath,
		vm.DiskFormat, vm.ISOPath, vm.PortForward, vm.Version, vm.Volume, vm.Snapshot,
		formatTimestamp(time.Now()), vm.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.VM{}, fmt.Errorf("vm %s: %w", vm.Name, ErrDuplicate)
		}
		return domain.VM{}, storageError("update vm", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.VM{}, notFound("vm", "ID", vm.ID)
	}
	return r.FindByID(ctx, vm.ID)
}

// UpdateStatus records a lifecycle transition
func (r *vmRepositoryImpl) UpdateStatus(ctx context.Context, id string, status domain.Status, pid int) error {
	stmt, err := r.stmts.Get(ctx, updateVMStatusStmt)
	if err != nil {
		return storageError("prepare vm status update", err)
	}
	res, err := stmt.ExecContext(ctx, string(status), pid, formatTimestamp(time.Now()), id)
	if err != nil {
		return storageError("update vm status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageError("update vm status", err)
	}
	if n == 0 {
		return notFound("vm", "ID", id)
	}
	return nil
}

// FindByID retrieves a VM by its ID
func (r *vmRepositoryImpl) FindByID(ctx context.Context, id string) (domain.VM, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+vmColumns+" FROM virtual_machines WHERE id = ?", id)
	vm, err := scanVM(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.VM{}, notFound("vm", "ID", id)
		}
		return domain.VM{}, storageError("find vm", err)
	}
	return vm, nil
}

// FindByName retrieves a VM by its name
func (r *vmRepositoryImpl) FindByName(ctx context.Context, name string) (domain.VM, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+vmColumns+" FROM virtual_machines WHERE name = ?", name)
	vm, err := scanVM(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.VM{}, notFound("vm", "name", name)
		}
		return domain.VM{}, storageError("find vm by name", err)
	}
	return vm, nil
}

// FindByRef retrieves a VM whose name or id equals ref
func (r *vmRepositoryImpl) FindByRef(ctx context.Context, ref string) (domain.VM, error) {
	stmt, err := r.stmts.Get(ctx, findVMByRefQuery)
	if err != nil {
		return domain.VM{}, storageError("prepare vm lookup", err)
	}
	vm, err := scanVM(stmt.QueryRowContext(ctx, ref, ref))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.VM{}, notFound("vm", "name or ID", ref)
		}
		return domain.VM{}, storageError("find vm", err)
	}
	return vm, nil
}

// FindAll retrieves all VMs, oldest first
func (r *vmRepositoryImpl) FindAll(ctx context.Context) ([]domain.VM, error) {
	return r.queryVMs(ctx, "list vms",
		"SELECT "+vmColumns+" FROM virtual_machines ORDER BY created_at ASC, name ASC")
}

// FindByStatus retrieves the VMs in the given status
func (r *vmRepositoryImpl) FindByStatus(ctx context.Context, status domain.Status) ([]domain.VM, error) {
	return r.queryVMs(ctx, "list vms by status",
		"SELECT "+vmColumns+" FROM virtual_machines WHERE status = ? ORDER BY created_at ASC, name ASC", string(status))
}

// DeleteByID removes a VM row; disk files are never touched
func (r *vmRepositoryImpl) DeleteByID(ctx context.Context, id string) error {
	return deleteRow(ctx, r.db, "virtual_machines", "vm", id)
}

// ExistsByID checks if a VM exists by its ID
func (r *vmRepositoryImpl) ExistsByID(ctx context.Context, id string) (bool, error) {
	return existsRow(ctx, r.db, "virtual_machines", "vm", id)
}

// Close releases prepared statements
func (r *vmRepositoryImpl) Close() error {
	return r.stmts.Close()
}
