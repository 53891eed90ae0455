// Package rds refreshes a staging database in another account from a fresh
// snapshot of a production instance.
//
// The source client acts in the production account: it snapshots the source
// instance, shares the snapshot and deletes it afterwards. The target client
// acts in the staging account through an assumed role: it replaces the
// target instance with a restore of the shared snapshot. Every destructive
// target call is refused when the instance ARN names the production account.
package rds

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/rds/types"
	"go.uber.org/zap"

	"awsops/internal/config"
)

const (
	statusAvailable = "available"
	statusDeleted   = "deleted"
)

var (
	// ErrProductionInstance is returned before any change to an instance that
	// belongs to the source account
	ErrProductionInstance = errors.New("rds: refusing to modify an instance in the source account")

	// ErrWaitTimeout is returned when a resource does not reach a status in time
	ErrWaitTimeout = errors.New("rds: timed out waiting for status")

	// ErrInstanceNotFound is returned when an instance that must exist does not
	ErrInstanceNotFound = errors.New("rds: instance not found")

	// ErrSnapshotNotFound is returned when the snapshot disappears while waiting
	ErrSnapshotNotFound = errors.New("rds: snapshot not found")
)

// API is the subset of the RDS client used by Cloner
type API interface {
	DescribeDBInstances(ctx context.Context, in *rds.DescribeDBInstancesInput, opts ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error)
	CreateDBSnapshot(ctx context.Context, in *rds.CreateDBSnapshotInput, opts ...func(*rds.Options)) (*rds.CreateDBSnapshotOutput, error)
	DescribeDBSnapshots(ctx context.Context, in *rds.DescribeDBSnapshotsInput, opts ...func(*rds.Options)) (*rds.DescribeDBSnapshotsOutput, error)
	ModifyDBSnapshotAttribute(ctx context.Context, in *rds.ModifyDBSnapshotAttributeInput, opts ...func(*rds.Options)) (*rds.ModifyDBSnapshotAttributeOutput, error)
	DeleteDBInstance(ctx context.Context, in *rds.DeleteDBInstanceInput, opts ...func(*rds.Options)) (*rds.DeleteDBInstanceOutput, error)
	RestoreDBInstanceFromDBSnapshot(ctx context.Context, in *rds.RestoreDBInstanceFromDBSnapshotInput, opts ...func(*rds.Options)) (*rds.RestoreDBInstanceFromDBSnapshotOutput, error)
	ModifyDBInstance(ctx context.Context, in *rds.ModifyDBInstanceInput, opts ...func(*rds.Options)) (*rds.ModifyDBInstanceOutput, error)
	DeleteDBSnapshot(ctx context.Context, in *rds.DeleteDBSnapshotInput, opts ...func(*rds.Options)) (*rds.DeleteDBSnapshotOutput, error)
}

// Result describes a finished clone
type Result struct {
	SnapshotID       string
	SnapshotARN      string
	TargetInstanceID string
}

// Cloner replaces the target instance with a copy of the source instance
type Cloner struct {
	source   API
	target   API
	cfg      config.RDS
	password PasswordSource
	logger   *zap.Logger
	now      func() time.Time
}

// NewCloner creates a cloner. source acts in the source account, target in
// the target account.
func NewCloner(source, target API, cfg config.RDS, password PasswordSource, logger *zap.Logger) *Cloner {
	return &Cloner{
		source:   source,
		target:   target,
		cfg:      cfg,
		password: password,
		logger:   logger.With(zap.String("source_instance", cfg.SourceInstanceID), zap.String("target_instance", cfg.TargetInstanceID)),
		now:      time.Now,
	}
}

// Clone runs every step in order and stops at the first failure. The
// snapshot is only deleted once the restore finished; Result.SnapshotID is
// set as soon as it exists.
func (c *Cloner) Clone(ctx context.Context) (Result, error) {
	result := Result{TargetInstanceID: c.cfg.TargetInstanceID}
	snapshotID := fmt.Sprintf("%s-%d", c.cfg.SourceInstanceID, c.now().Unix())

	// Resolve the password before anything is destroyed
	password, err := c.password.Password(ctx)
	if err != nil {
		return result, err
	}

	original, err := c.describeInstance(ctx, c.target, c.cfg.TargetInstanceID)
	if err != nil {
		return result, fmt.Errorf("failed to describe target instance: %w", err)
	}

	if err := c.createSnapshot(ctx, snapshotID); err != nil {
		return result, err
	}
	result.SnapshotID = snapshotID
	if err := c.waitSnapshot(ctx, result.SnapshotID); err != nil {
		return result, err
	}
	if err := c.shareSnapshot(ctx, result.SnapshotID); err != nil {
		return result, err
	}

	if err := c.deleteTarget(ctx); err != nil {
		return result, err
	}
	if err := c.waitInstance(ctx, statusDeleted, c.cfg.DeleteTimeout); err != nil {
		return result, err
	}

	snapshot, err := c.describeSnapshot(ctx, result.SnapshotID)
	if err != nil {
		return result, err
	}
	result.SnapshotARN = aws.ToString(snapshot.DBSnapshotArn)

	if err := c.restore(ctx, original, result.SnapshotARN); err != nil {
		return result, err
	}
	if err := c.waitInstance(ctx, statusAvailable, c.cfg.RestoreTimeout); err != nil {
		return result, err
	}
	if err := c.setPassword(ctx, password); err != nil {
		return result, err
	}

	c.logger.Info("Deleting snapshot", zap.String("snapshot", result.SnapshotID))
	_, err = c.source.DeleteDBSnapshot(ctx, &rds.DeleteDBSnapshotInput{
		DBSnapshotIdentifier: aws.String(result.SnapshotID),
	})
	if err != nil {
		return result, fmt.Errorf("failed to delete snapshot %s: %w", result.SnapshotID, err)
	}

	c.logger.Info("Database clone complete", zap.String("snapshot_arn", result.SnapshotARN))
	return result, nil
}

func (c *Cloner) createSnapshot(ctx context.Context, snapshotID string) error {
	c.logger.Info("Creating snapshot", zap.String("snapshot", snapshotID))
	_, err := c.source.CreateDBSnapshot(ctx, &rds.CreateDBSnapshotInput{
		DBSnapshotIdentifier: aws.String(snapshotID),
		DBInstanceIdentifier: aws.String(c.cfg.SourceInstanceID),
		Tags:                 tags(c.cfg.SnapshotTags),
	})
	if err != nil {
		return fmt.Errorf("failed to create snapshot %s: %w", snapshotID, err)
	}
	return nil
}

func (c *Cloner) shareSnapshot(ctx context.Context, snapshotID string) error {
	c.logger.Info("Sharing snapshot",
		zap.String("snapshot", snapshotID),
		zap.String("account_id", c.cfg.TargetAccountID),
	)
	_, err := c.source.ModifyDBSnapshotAttribute(ctx, &rds.ModifyDBSnapshotAttributeInput{
		DBSnapshotIdentifier: aws.String(snapshotID),
		AttributeName:        aws.String("restore"),
		ValuesToAdd:          []string{c.cfg.TargetAccountID},
	})
	if err != nil {
		return fmt.Errorf("failed to share snapshot %s: %w", snapshotID, err)
	}
	return nil
}

func (c *Cloner) deleteTarget(ctx context.Context) error {
	if err := c.guard(ctx); err != nil {
		return err
	}

	c.logger.Info("Deleting target instance")
	_, err := c.target.DeleteDBInstance(ctx, &rds.DeleteDBInstanceInput{
		DBInstanceIdentifier: aws.String(c.cfg.TargetInstanceID),
		SkipFinalSnapshot:    aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("failed to delete instance %s: %w", c.cfg.TargetInstanceID, err)
	}
	return nil
}

func (c *Cloner) restore(ctx context.Context, original types.DBInstance, snapshotARN string) error {
	input := &rds.RestoreDBInstanceFromDBSnapshotInput{
		DBInstanceIdentifier:    aws.String(c.cfg.TargetInstanceID),
		DBSnapshotIdentifier:    aws.String(snapshotARN),
		DBInstanceClass:         original.DBInstanceClass,
		MultiAZ:                 aws.Bool(false),
		PubliclyAccessible:      aws.Bool(false),
		AutoMinorVersionUpgrade: aws.Bool(true),
	}
	if original.DBSubnetGroup != nil {
		input.DBSubnetGroupName = original.DBSubnetGroup.DBSubnetGroupName
	}

	c.logger.Info("Restoring target instance",
		zap.String("snapshot_arn", snapshotARN),
		zap.String("instance_class", aws.ToString(input.DBInstanceClass)),
		zap.String("subnet_group", aws.ToString(input.DBSubnetGroupName)),
	)
	if _, err := c.target.RestoreDBInstanceFromDBSnapshot(ctx, input); err != nil {
		return fmt.Errorf("failed to restore instance %s: %w", c.cfg.TargetInstanceID, err)
	}
	return nil
}

func (c *Cloner) setPassword(ctx context.Context, password string) error {
	if err := c.guard(ctx); err != nil {
		return err
	}

	_, err := c.target.ModifyDBInstance(ctx, &rds.ModifyDBInstanceInput{
		DBInstanceIdentifier: aws.String(c.cfg.TargetInstanceID),
		MasterUserPassword:   aws.String(password),
		ApplyImmediately:     aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("failed to set master password: %w", err)
	}
	c.logger.Info("Master password changed")
	return nil
}

// guard refuses to touch the target instance when it lives in the source account
func (c *Cloner) guard(ctx context.Context) error {
	instance, err := c.describeInstance(ctx, c.target, c.cfg.TargetInstanceID)
	if err != nil {
		return fmt.Errorf("failed to describe target instance: %w", err)
	}
	if arn := aws.ToString(instance.DBInstanceArn); strings.Contains(arn, c.cfg.SourceAccountID) {
		c.logger.Error("Target instance belongs to the source account", zap.String("arn", arn))
		return fmt.Errorf("%w: %s", ErrProductionInstance, arn)
	}
	return nil
}

func (c *Cloner) describeInstance(ctx context.Context, client API, id string) (types.DBInstance, error) {
	out, err := client.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
		DBInstanceIdentifier: aws.String(id),
	})
	if err != nil {
		var notFound *types.DBInstanceNotFoundFault
		if errors.As(err, &notFound) {
			return types.DBInstance{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
		}
		return types.DBInstance{}, err
	}
	if len(out.DBInstances) == 0 {
		return types.DBInstance{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return out.DBInstances[0], nil
}

func (c *Cloner) describeSnapshot(ctx context.Context, id string) (types.DBSnapshot, error) {
	out, err := c.source.DescribeDBSnapshots(ctx, &rds.DescribeDBSnapshotsInput{
		DBSnapshotIdentifier: aws.String(id),
	})
	if err != nil {
		var notFound *types.DBSnapshotNotFoundFault
		if errors.As(err, &notFound) {
			return types.DBSnapshot{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
		}
		return types.DBSnapshot{}, fmt.Errorf("failed to describe snapshot %s: %w", id, err)
	}
	if len(out.DBSnapshots) == 0 {
		return types.DBSnapshot{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}
	return out.DBSnapshots[0], nil
}

func (c *Cloner) waitSnapshot(ctx context.Context, id string) error {
	return c.poll(ctx, "snapshot "+id, statusAvailable, c.cfg.SnapshotTimeout, func(ctx context.Context) (string, error) {
		snapshot, err := c.describeSnapshot(ctx, id)
		if err != nil {
			return "", err
		}
		return aws.ToString(snapshot.Status), nil
	})
}

// waitInstance waits for the target instance to reach want. A missing
// instance counts as deleted.
func (c *Cloner) waitInstance(ctx context.Context, want string, timeout time.Duration) error {
	id := c.cfg.TargetInstanceID
	return c.poll(ctx, "instance "+id, want, timeout, func(ctx context.Context) (string, error) {
		instance, err := c.describeInstance(ctx, c.target, id)
		if errors.Is(err, ErrInstanceNotFound) && want == statusDeleted {
			return statusDeleted, nil
		}
		if err != nil {
			return "", err
		}
		return aws.ToString(instance.DBInstanceStatus), nil
	})
}

func (c *Cloner) poll(ctx context.Context, what, want string, timeout time.Duration, status func(context.Context) (string, error)) error {
	deadline := c.now().Add(timeout)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		current, err := status(ctx)
		if err != nil {
			return err
		}
		c.logger.Info("Waiting for status",
			zap.String("resource", what),
			zap.String("status", current),
			zap.String("want", want),
		)
		if current == want {
			return nil
		}
		if !c.now().Before(deadline) {
			return fmt.Errorf("%w: %s is %s, want %s after %s", ErrWaitTimeout, what, current, want, timeout)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func tags(m map[string]string) []types.Tag {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(m[k])})
	}
	return out
}
