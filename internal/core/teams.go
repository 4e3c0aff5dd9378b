package core

import (
	"context"
	"strings"

	"installcore/pkg/domain"
)

// MembershipID returns the id of the flat membership row mirroring a team member.
func MembershipID(teamID, email string) string {
	return teamID + ":" + strings.ToLower(email)
}

func canManageTeam(actor domain.AuthContext, team domain.Team) bool {
	return actor.IsAdmin || actor.Role == domain.RoleManager || team.OwnerID == actor.UserID
}

func findTeam(tx domain.Transaction, id string) (domain.Team, error) {
	team, ok := tx.FindTeam(id)
	if !ok {
		return domain.Team{}, domain.NotFoundError{Entity: domain.EntityTeam, ID: id}
	}
	return team, nil
}

// CreateTeam creates a team owned by the caller.
func (s *Service) CreateTeam(ctx context.Context, actor domain.AuthContext, name string) (domain.Team, error) {
	name = strings.TrimSpace(name)
	var created domain.Team
	err := s.run(ctx, "create_team", actor.UserID, func(tx domain.Transaction) (string, error) {
		if err := authorize(actor); err != nil {
			return "", err
		}
		if name == "" {
			return "", domain.InvalidInput("team name is required")
		}
		var err error
		created, err = tx.CreateTeam(domain.Team{Name: name, OwnerID: actor.UserID, OwnerName: actor.DisplayName})
		return created.ID, err
	})
	return created, err
}

// AddTeamMember writes the member sub-collection row and its flat membership row
// in the same transaction.
func (s *Service) AddTeamMember(ctx context.Context, actor domain.AuthContext, member domain.TeamMember) (domain.TeamMember, error) {
	member.Email = strings.TrimSpace(member.Email)
	var created domain.TeamMember
	err := s.run(ctx, "add_team_member", actor.UserID, func(tx domain.Transaction) (string, error) {
		if err := authorize(actor); err != nil {
			return "", err
		}
		team, err := findTeam(tx, member.TeamID)
		if err != nil {
			return "", err
		}
		if !canManageTeam(actor, team) {
			return "", domain.Forbidden("only the team owner, a manager or an admin can add members")
		}
		if member.Email == "" {
			return "", domain.InvalidInput("member email is required")
		}
		view := tx.Snapshot()
		for _, existing := range view.ListTeamMembers() {
			if existing.TeamID == team.ID && strings.EqualFold(existing.Email, member.Email) {
				return existing.ID, domain.InvalidInput("%s is already a member of team %s", member.Email, team.ID)
			}
		}

		created, err = tx.CreateTeamMember(member)
		if err != nil {
			return "", err
		}
		membershipID := MembershipID(team.ID, member.Email)
		if _, exists := view.FindMembership(membershipID); exists {
			return created.ID, nil
		}
		_, err = tx.CreateMembership(domain.Membership{
			Base:   domain.Base{ID: membershipID},
			TeamID: team.ID,
			Email:  member.Email,
			Role:   domain.RoleInstaller,
		})
		return created.ID, err
	})
	return created, err
}

// RemoveTeamMember deletes a member row together with its membership row.
func (s *Service) RemoveTeamMember(ctx context.Context, actor domain.AuthContext, teamID, memberID string) error {
	return s.run(ctx, "remove_team_member", actor.UserID, func(tx domain.Transaction) (string, error) {
		if err := authorize(actor); err != nil {
			return memberID, err
		}
		team, err := findTeam(tx, teamID)
		if err != nil {
			return memberID, err
		}
		if !canManageTeam(actor, team) {
			return memberID, domain.Forbidden("only the team owner, a manager or an admin can remove members")
		}
		view := tx.Snapshot()
		member, ok := view.FindTeamMember(memberID)
		if !ok || member.TeamID != teamID {
			return memberID, domain.NotFoundError{Entity: domain.EntityTeamMember, ID: memberID}
		}
		if err := tx.DeleteTeamMember(memberID); err != nil {
			return memberID, err
		}
		membershipID := MembershipID(teamID, member.Email)
		if _, ok := view.FindMembership(membershipID); ok {
			return memberID, tx.DeleteMembership(membershipID)
		}
		return memberID, nil
	})
}

// DeleteTeam removes a team, every member row and every membership row that
// references it in one transaction. Only the owner or an admin may delete.
func (s *Service) DeleteTeam(ctx context.Context, actor domain.AuthContext, teamID string) error {
	return s.run(ctx, "delete_team", actor.UserID, func(tx domain.Transaction) (string, error) {
		if err := authorize(actor); err != nil {
			return teamID, err
		}
		team, err := findTeam(tx, teamID)
		if err != nil {
			return teamID, err
		}
		if !actor.IsAdmin && team.OwnerID != actor.UserID {
			return teamID, domain.Forbidden("only the team owner or an admin can delete team %s", teamID)
		}
		view := tx.Snapshot()
		for _, m := range view.ListTeamMembers() {
			if m.TeamID != teamID {
				continue
			}
			if err := tx.DeleteTeamMember(m.ID); err != nil {
				return teamID, err
			}
		}
		for _, m := range view.ListMemberships() {
			if m.TeamID != teamID {
				continue
			}
			if err := tx.DeleteMembership(m.ID); err != nil {
				return teamID, err
			}
		}
		return teamID, tx.DeleteTeam(teamID)
	})
}
