package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/chainguard-dev/clog"
)

const (
	// AWS IAM policy document values.
	iamPolicyVersion    = "2012-10-17"
	iamEffectAllow      = "Allow"
	awsServiceEC2       = "ec2.amazonaws.com"
	stsActionAssumeRole = "sts:AssumeRole"
	snsActionPublish    = "sns:Publish"

	iamRoleDescription = "Lets the MusicApp server publish audit events"
	iamInlinePolicy    = "musicapp-sns-publish"
)

var (
	errIAMRoleCreate                = errors.New("failed to create IAM role")
	errIAMRolePutPolicy             = errors.New("failed to put inline policy on IAM role")
	errIAMInstanceProfileLookup     = errors.New("failed to look up IAM instance profile")
	errIAMInstanceProfileCreate     = errors.New("failed to create IAM instance profile")
	errIAMInstanceProfileAddRole    = errors.New("failed to add role to instance profile")
	errIAMInstanceProfileRemoveRole = errors.New("failed to remove role from instance profile")
	errIAMInstanceProfileDelete     = errors.New("failed to delete IAM instance profile")
	errIAMRoleDeletePolicy          = errors.New("failed to delete inline policy from IAM role")
	errIAMRoleDelete                = errors.New("failed to delete IAM role")
	errPolicyMarshal                = errors.New("failed to marshal policy document")
)

type policyStatement struct {
	Effect    string         `json:"Effect"`
	Principal map[string]any `json:"Principal,omitempty"`
	Action    string         `json:"Action"`
	Resource  string         `json:"Resource,omitempty"`
	Condition map[string]any `json:"Condition,omitempty"`
}

type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

func (d policyDocument) String() (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errPolicyMarshal, err)
	}
	return string(b), nil
}

// ensureInstanceProfile gets or creates the role and instance profile the
// server runs under, and (re)applies the inline policy allowing it to
// publish to 'topicARN'. It returns the instance profile name.
func (p *Provisioner) ensureInstanceProfile(ctx context.Context, s *stack, topicARN string) (string, error) {
	log := clog.FromContext(ctx)
	roleName := p.Config.AWS.RoleName
	profileName := p.Config.AWS.ProfileName

	trust, err := policyDocument{
		Version: iamPolicyVersion,
		Statement: []policyStatement{{
			Effect:    iamEffectAllow,
			Principal: map[string]any{"Service": awsServiceEC2},
			Action:    stsActionAssumeRole,
		}},
	}.String()
	if err != nil {
		return "", err
	}

	_, err = p.Clients.IAM.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 aws.String(roleName),
		AssumeRolePolicyDocument: aws.String(trust),
		Description:              aws.String(iamRoleDescription),
		Tags:                     p.tags(named(roleName)).iam(),
	})
	switch {
	case IsCode(err, codeEntityAlreadyExists):
		log.Info("IAM role already exists", "role_name", roleName)
	case err != nil:
		return "", fmt.Errorf("%w: %w", errIAMRoleCreate, err)
	default:
		log.Info("created IAM role", "role_name", roleName)
		s.Push(p.deleteInstanceProfile)
	}

	publish, err := policyDocument{
		Version: iamPolicyVersion,
		Statement: []policyStatement{{
			Effect:   iamEffectAllow,
			Action:   snsActionPublish,
			Resource: topicARN,
		}},
	}.String()
	if err != nil {
		return "", err
	}
	if _, err := p.Clients.IAM.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
		RoleName:       aws.String(roleName),
		PolicyName:     aws.String(iamInlinePolicy),
		PolicyDocument: aws.String(publish),
	}); err != nil {
		return "", fmt.Errorf("%w: %w", errIAMRolePutPolicy, err)
	}

	describe := func(ctx context.Context) (*iamtypes.InstanceProfile, error) {
		result, err := p.Clients.IAM.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{
			InstanceProfileName: aws.String(profileName),
		})
		if IsCode(err, codeNoSuchEntity) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errIAMInstanceProfileLookup, err)
		}
		return result.InstanceProfile, nil
	}
	create := func(ctx context.Context) (*iamtypes.InstanceProfile, error) {
		result, err := p.Clients.IAM.CreateInstanceProfile(ctx, &iam.CreateInstanceProfileInput{
			InstanceProfileName: aws.String(profileName),
			Tags:                p.tags(named(profileName)).iam(),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errIAMInstanceProfileCreate, err)
		}
		return result.InstanceProfile, nil
	}
	profile, created, err := getOrCreate(ctx, describe, create, codeEntityAlreadyExists)
	if err != nil {
		return "", err
	}
	if created {
		log.Info("created IAM instance profile", "profile_name", profileName)
	}

	hasRole := profile != nil && slices.ContainsFunc(profile.Roles, func(r iamtypes.Role) bool {
		return aws.ToString(r.RoleName) == roleName
	})
	if !hasRole {
		_, err := p.Clients.IAM.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
			InstanceProfileName: aws.String(profileName),
			RoleName:            aws.String(roleName),
		})
		if err != nil {
			return "", fmt.Errorf("%w: %w", errIAMInstanceProfileAddRole, err)
		}
		log.Info("added role to instance profile", "profile_name", profileName, "role_name", roleName)
	}
	return profileName, nil
}

// deleteInstanceProfile unwinds ensureInstanceProfile. Every step tolerates
// the entity already being gone.
func (p *Provisioner) deleteInstanceProfile(ctx context.Context) error {
	log := clog.FromContext(ctx)
	roleName := p.Config.AWS.RoleName
	profileName := p.Config.AWS.ProfileName

	steps := []struct {
		sentinel error
		call     func() error
	}{
		{errIAMInstanceProfileRemoveRole, func() error {
			_, err := p.Clients.IAM.RemoveRoleFromInstanceProfile(ctx, &iam.RemoveRoleFromInstanceProfileInput{
				InstanceProfileName: aws.String(profileName),
				RoleName:            aws.String(roleName),
			})
			return err
		}},
		{errIAMInstanceProfileDelete, func() error {
			_, err := p.Clients.IAM.DeleteInstanceProfile(ctx, &iam.DeleteInstanceProfileInput{
				InstanceProfileName: aws.String(profileName),
			})
			return err
		}},
		{errIAMRoleDeletePolicy, func() error {
			_, err := p.Clients.IAM.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{
				RoleName:   aws.String(roleName),
				PolicyName: aws.String(iamInlinePolicy),
			})
			return err
		}},
		{errIAMRoleDelete, func() error {
			_, err := p.Clients.IAM.DeleteRole(ctx, &iam.DeleteRoleInput{
				RoleName: aws.String(roleName),
			})
			return err
		}},
	}

	var errs error
	for _, step := range steps {
		if err := step.call(); err != nil && !IsCode(err, codeNoSuchEntity) {
			errs = errors.Join(errs, fmt.Errorf("%w: %w", step.sentinel, err))
		}
	}
	if errs == nil {
		log.Info("deleted IAM instance profile and role", "profile_name", profileName, "role_name", roleName)
	}
	return errs
}
