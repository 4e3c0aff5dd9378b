package core

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"installcore/internal/bulk"
	"installcore/pkg/domain"
)

// Device import columns.
const (
	colDeviceID = iota
	colProductID
	colSerial
	colIMEI
	colICCID
)

func requireBoxManager(actor domain.AuthContext) error {
	if err := authorize(actor); err != nil {
		return err
	}
	if !domain.Allows(actor, domain.ActionManageBoxes, nil) {
		return domain.Forbidden("role %s cannot manage devices or boxes", actor.Role)
	}
	return nil
}

// ImportDevices creates one device per table row, keyed by the device id in
// column 0, followed by product id, serial id, IMEI and ICCID. Malformed and
// duplicate rows are reported per row; the rest of the batch still commits.
func (s *Service) ImportDevices(ctx context.Context, actor domain.AuthContext, table [][]string) (bulk.Summary, error) {
	rows := bulk.ExtractRows(table)
	summary := bulk.NewSummary(s.errorCap)
	err := s.run(ctx, "import_devices", actor.UserID, func(tx domain.Transaction) (string, error) {
		if err := requireBoxManager(actor); err != nil {
			return "", err
		}
		for _, row := range rows {
			if row.Key == "" {
				summary.Fail(row, "missing device id")
				continue
			}
			if strings.ContainsAny(row.Key, " \t") {
				summary.Fail(row, "device id contains whitespace")
				continue
			}
			if row.Cell(colSerial) == "" {
				summary.Fail(row, "missing serial id")
				continue
			}
			if _, exists := tx.FindDevice(row.Key); exists {
				summary.Fail(row, "device already exists")
				continue
			}
			_, err := tx.CreateDevice(domain.Device{
				Base:           domain.Base{ID: row.Key},
				ProductID:      row.Cell(colProductID),
				DeviceSerialID: row.Cell(colSerial),
				DeviceIMEI:     row.Cell(colIMEI),
				ICCID:          row.Cell(colICCID),
				Status:         domain.DeviceStatusPending,
			})
			if err != nil {
				summary.Fail(row, err.Error())
				continue
			}
			summary.Succeed()
		}
		return "", nil
	})
	if err != nil {
		return bulk.NewSummary(s.errorCap), err
	}
	s.logBatch("device import", summary)
	return summary, nil
}

// AssignBoxNumbers attaches box numbers to devices resolved by serial id: column 0
// holds the serial, column 1 the box number.
func (s *Service) AssignBoxNumbers(ctx context.Context, actor domain.AuthContext, table [][]string) (bulk.Summary, error) {
	rows := bulk.ExtractRows(table)
	summary := bulk.NewSummary(s.errorCap)
	err := s.run(ctx, "assign_box_numbers", actor.UserID, func(tx domain.Transaction) (string, error) {
		if err := requireBoxManager(actor); err != nil {
			return "", err
		}
		bySerial := make(map[string]string)
		for _, d := range tx.Snapshot().ListDevices() {
			if d.DeviceSerialID == "" {
				continue
			}
			if cur, ok := bySerial[d.DeviceSerialID]; !ok || d.ID < cur {
				bySerial[d.DeviceSerialID] = d.ID
			}
		}
		for _, row := range rows {
			box := row.Cell(1)
			switch {
			case row.Key == "":
				summary.Fail(row, "missing serial id")
				continue
			case box == "":
				summary.Fail(row, "missing box number")
				continue
			}
			deviceID, ok := bySerial[row.Key]
			if !ok {
				summary.Miss(row, "no device with this serial id")
				continue
			}
			_, err := tx.UpdateDevice(deviceID, func(d *domain.Device) error {
				d.BoxNumber = &box
				return nil
			})
			if err != nil {
				summary.Fail(row, err.Error())
				continue
			}
			summary.Succeed()
		}
		return "", nil
	})
	if err != nil {
		return bulk.NewSummary(s.errorCap), err
	}
	s.logBatch("box number assignment", summary)
	return summary, nil
}

func (s *Service) logBatch(name string, summary bulk.Summary) {
	s.logger.Info(name+" finished",
		zap.Int("success", summary.Success),
		zap.Int("not_found", summary.NotFound),
		zap.Int("failed", summary.Failed),
		zap.Int("errors_omitted", summary.ErrorsOmitted),
	)
}

// AssignBox hands every device in a box to a team, optionally naming the installer
// who will carry it. It returns the number of devices updated.
func (s *Service) AssignBox(ctx context.Context, actor domain.AuthContext, boxNumber, teamID, installerName string) (int, error) {
	boxNumber = strings.TrimSpace(boxNumber)
	installerName = strings.TrimSpace(installerName)
	var count int
	err := s.run(ctx, "assign_box", actor.UserID, func(tx domain.Transaction) (string, error) {
		if err := requireBoxManager(actor); err != nil {
			return boxNumber, err
		}
		if boxNumber == "" {
			return boxNumber, domain.InvalidInput("box number is required")
		}
		if _, err := findTeam(tx, teamID); err != nil {
			return boxNumber, err
		}
		count = 0
		for _, d := range tx.Snapshot().ListDevices() {
			if d.BoxNumber == nil || *d.BoxNumber != boxNumber {
				continue
			}
			_, err := tx.UpdateDevice(d.ID, func(dev *domain.Device) error {
				team := teamID
				dev.AssignedTeamID = &team
				dev.AssignedInstallerName = nil
				if installerName != "" {
					name := installerName
					dev.AssignedInstallerName = &name
				}
				return nil
			})
			if err != nil {
				return boxNumber, err
			}
			count++
		}
		if count == 0 {
			return boxNumber, domain.NotFoundError{Entity: domain.EntityDevice, ID: fmt.Sprintf("box %s", boxNumber)}
		}
		return boxNumber, nil
	})
	return count, err
}

func canOpenBox(tx domain.Transaction, actor domain.AuthContext, team domain.Team) bool {
	if canManageTeam(actor, team) || domain.Allows(actor, domain.ActionManageBoxes, nil) {
		return true
	}
	_, member := tx.Snapshot().FindMembership(MembershipID(team.ID, actor.UserID))
	return member
}

// OpenBox marks every device of a team's box as opened. Besides box managers and
// the team owner, only callers holding a membership of the team may open its
// boxes; the membership is looked up by the caller's user id as member email.
func (s *Service) OpenBox(ctx context.Context, actor domain.AuthContext, teamID, boxNumber string) (int, error) {
	boxNumber = strings.TrimSpace(boxNumber)
	var count int
	err := s.run(ctx, "open_box", actor.UserID, func(tx domain.Transaction) (string, error) {
		if err := authorize(actor); err != nil {
			return boxNumber, err
		}
		team, err := findTeam(tx, teamID)
		if err != nil {
			return boxNumber, err
		}
		if !canOpenBox(tx, actor, team) {
			return boxNumber, domain.Forbidden("user %s is not a member of team %s", actor.UserID, team.ID)
		}
		count = 0
		for _, d := range tx.Snapshot().ListDevices() {
			if d.BoxNumber == nil || *d.BoxNumber != boxNumber || d.AssignedTeamID == nil || *d.AssignedTeamID != teamID {
				continue
			}
			if d.BoxOpened {
				count++
				continue
			}
			if _, err := tx.UpdateDevice(d.ID, func(dev *domain.Device) error {
				dev.BoxOpened = true
				return nil
			}); err != nil {
				return boxNumber, err
			}
			count++
		}
		if count == 0 {
			return boxNumber, domain.NotFoundError{Entity: domain.EntityDevice, ID: fmt.Sprintf("box %s of team %s", boxNumber, teamID)}
		}
		return boxNumber, nil
	})
	return count, err
}
