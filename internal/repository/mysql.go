package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/lvdashuaibi/rsvpsync/config"
	"github.com/lvdashuaibi/rsvpsync/internal/logging"
	"github.com/lvdashuaibi/rsvpsync/internal/model"
)

type MySQLRepository struct {
	masterDB *sql.DB
	slaveDB  *sql.DB
}

func NewMySQLRepository(cfg config.MySQLConfig) (*MySQLRepository, error) {
	masterDB, err := sql.Open("mysql", cfg.Master)
	if err != nil {
		return nil, fmt.Errorf("连接主数据库失败: %w", err)
	}

	masterDB.SetMaxOpenConns(cfg.MaxOpenConns)
	masterDB.SetMaxIdleConns(cfg.MaxIdleConns)
	masterDB.SetConnMaxLifetime(time.Hour)

	if err = masterDB.Ping(); err != nil {
		return nil, fmt.Errorf("主数据库连接测试失败: %w", err)
	}

	slaveDB := masterDB
	if cfg.Slave != "" {
		slaveDB, err = sql.Open("mysql", cfg.Slave)
		if err != nil {
			return nil, fmt.Errorf("连接从数据库失败: %w", err)
		}
		slaveDB.SetMaxOpenConns(cfg.MaxOpenConns)
		slaveDB.SetMaxIdleConns(cfg.MaxIdleConns)
		slaveDB.SetConnMaxLifetime(time.Hour)

		if err = slaveDB.Ping(); err != nil {
			logging.Warn().Err(err).Msg("从数据库连接测试失败，将使用主数据库代替")
			slaveDB.Close()
			slaveDB = masterDB
		}
	}

	return NewMySQLRepositoryWithDB(masterDB, slaveDB), nil
}

// NewMySQLRepositoryWithDB 使用已有连接创建仓库，slave为nil时读写都走master
func NewMySQLRepositoryWithDB(master, slave *sql.DB) *MySQLRepository {
	if slave == nil {
		slave = master
	}
	return &MySQLRepository{masterDB: master, slaveDB: slave}
}

const playerColumns = "id, name, discord_id, primary_team_id"

func scanPlayer(row *sql.Row) (*model.Player, error) {
	var (
		p         model.Player
		discordID sql.NullString
		teamID    sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.Name, &discordID, &teamID); err != nil {
		return nil, err
	}
	p.DiscordID = discordID.String
	if teamID.Valid {
		id := teamID.Int64
		p.PrimaryTeamID = &id
	}
	return &p, nil
}

// GetPlayer 按ID查询球员
func (r *MySQLRepository) GetPlayer(ctx context.Context, playerID int64) (*model.Player, error) {
	query := "SELECT " + playerColumns + " FROM players WHERE id = ?"
	p, err := scanPlayer(r.slaveDB.QueryRowContext(ctx, query, playerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("球员 %d: %w", playerID, model.ErrPlayerNotFound)
		}
		return nil, fmt.Errorf("查询球员失败: %w", err)
	}
	return p, nil
}

// GetPlayerByDiscordID 按Discord ID查询球员
func (r *MySQLRepository) GetPlayerByDiscordID(ctx context.Context, discordID string) (*model.Player, error) {
	query := "SELECT " + playerColumns + " FROM players WHERE discord_id = ? LIMIT 1"
	p, err := scanPlayer(r.slaveDB.QueryRowContext(ctx, query, discordID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("Discord用户 %s: %w", discordID, model.ErrPlayerNotFound)
		}
		return nil, fmt.Errorf("按Discord ID查询球员失败: %w", err)
	}
	return p, nil
}

// GetMatch 查询比赛
func (r *MySQLRepository) GetMatch(ctx context.Context, matchID int64) (*model.Match, error) {
	query := "SELECT id, date, home_team_id, away_team_id FROM matches WHERE id = ?"
	var m model.Match
	err := r.slaveDB.QueryRowContext(ctx, query, matchID).Scan(&m.ID, &m.Date, &m.HomeTeamID, &m.AwayTeamID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("比赛 %d: %w", matchID, model.ErrMatchNotFound)
		}
		return nil, fmt.Errorf("查询比赛失败: %w", err)
	}
	return &m, nil
}

const availabilityColumns = "id, match_id, player_id, discord_id, response, responded_at, notes, operation_id, trace_id"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAvailability(row rowScanner) (*model.Availability, error) {
	var (
		a                           model.Availability
		discordID, notes, opID, tid sql.NullString
		response                    string
	)
	if err := row.Scan(&a.ID, &a.MatchID, &a.PlayerID, &discordID, &response, &a.RespondedAt, &notes, &opID, &tid); err != nil {
		return nil, err
	}
	a.DiscordID = discordID.String
	a.Response = model.RSVPResponse(response)
	a.Notes = notes.String
	a.OperationID = opID.String
	a.TraceID = tid.String
	return &a, nil
}

// GetAvailability 查询出勤记录，不存在时返回nil
func (r *MySQLRepository) GetAvailability(ctx context.Context, matchID, playerID int64) (*model.Availability, error) {
	query := "SELECT " + availabilityColumns + " FROM availability WHERE match_id = ? AND player_id = ?"
	a, err := scanAvailability(r.slaveDB.QueryRowContext(ctx, query, matchID, playerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询出勤记录失败: %w", err)
	}
	return a, nil
}

// GetAvailabilityByDiscordID 按Discord ID查询出勤记录，不存在时返回nil
func (r *MySQLRepository) GetAvailabilityByDiscordID(ctx context.Context, matchID int64, discordID string) (*model.Availability, error) {
	query := "SELECT " + availabilityColumns + " FROM availability WHERE match_id = ? AND discord_id = ? LIMIT 1"
	a, err := scanAvailability(r.slaveDB.QueryRowContext(ctx, query, matchID, discordID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("按Discord ID查询出勤记录失败: %w", err)
	}
	return a, nil
}

// RSVPWrite 一次出勤写入
type RSVPWrite struct {
	MatchID     int64
	Player      *model.Player
	Response    model.RSVPResponse
	OperationID string
	TraceID     string
	At          time.Time
}

// ApplyRSVP 在事务中写入出勤回复，返回旧回复和是否有变化
// no_response 删除记录；回复未变化时不写库
func (r *MySQLRepository) ApplyRSVP(ctx context.Context, w RSVPWrite) (model.RSVPResponse, bool, error) {
	tx, err := r.masterDB.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("开始事务失败: %w", err)
	}

	// 行锁，防止同一事务窗口内的并发覆盖
	query := "SELECT " + availabilityColumns + " FROM availability WHERE match_id = ? AND player_id = ? FOR UPDATE"
	current, err := scanAvailability(tx.QueryRowContext(ctx, query, w.MatchID, w.Player.ID))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		return "", false, fmt.Errorf("查询当前出勤记录失败: %w", err)
	}

	old := model.ResponseNoResponse
	if current != nil {
		old = current.Response
	}

	if old == w.Response {
		tx.Rollback()
		return old, false, nil
	}

	switch {
	case w.Response == model.ResponseNoResponse:
		if _, err := tx.ExecContext(ctx, "DELETE FROM availability WHERE id = ?", current.ID); err != nil {
			tx.Rollback()
			return old, false, fmt.Errorf("删除出勤记录失败: %w", err)
		}
	case current != nil:
		_, err := tx.ExecContext(ctx,
			"UPDATE availability SET response = ?, responded_at = ?, operation_id = ?, trace_id = ? WHERE id = ?",
			string(w.Response), w.At, w.OperationID, w.TraceID, current.ID)
		if err != nil {
			tx.Rollback()
			return old, false, fmt.Errorf("更新出勤记录失败: %w", err)
		}
	default:
		_, err := tx.ExecContext(ctx,
			"INSERT INTO availability (match_id, player_id, discord_id, response, responded_at, operation_id, trace_id) VALUES (?, ?, ?, ?, ?, ?, ?)",
			w.MatchID, w.Player.ID, nullString(w.Player.DiscordID), string(w.Response), w.At, w.OperationID, w.TraceID)
		if err != nil {
			tx.Rollback()
			return old, false, fmt.Errorf("创建出勤记录失败: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return old, false, fmt.Errorf("提交事务失败: %w", err)
	}
	return old, true, nil
}

// GetRSVPCounts 统计比赛的出勤回复
func (r *MySQLRepository) GetRSVPCounts(ctx context.Context, matchID int64) (model.RSVPCounts, error) {
	var counts model.RSVPCounts
	rows, err := r.slaveDB.QueryContext(ctx,
		"SELECT response, COUNT(id) FROM availability WHERE match_id = ? GROUP BY response", matchID)
	if err != nil {
		return counts, fmt.Errorf("统计出勤回复失败: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			response string
			n        int
		)
		if err := rows.Scan(&response, &n); err != nil {
			return counts, fmt.Errorf("扫描出勤统计失败: %w", err)
		}
		switch model.RSVPResponse(response) {
		case model.ResponseYes:
			counts.Yes = n
		case model.ResponseNo:
			counts.No = n
		case model.ResponseMaybe:
			counts.Maybe = n
		}
	}
	if err := rows.Err(); err != nil {
		return counts, fmt.Errorf("迭代出勤统计失败: %w", err)
	}
	return counts, nil
}

// DetermineTeamID 判断球员在这场比赛中属于哪支球队，找不到时退回主队
func (r *MySQLRepository) DetermineTeamID(ctx context.Context, player *model.Player, match *model.Match) *int64 {
	var teamID int64
	err := r.slaveDB.QueryRowContext(ctx,
		"SELECT team_id FROM player_teams WHERE player_id = ? AND team_id IN (?, ?) LIMIT 1",
		player.ID, match.HomeTeamID, match.AwayTeamID).Scan(&teamID)
	if err == nil {
		return &teamID
	}
	if !errors.Is(err, sql.ErrNoRows) {
		logging.Warn().Err(err).Int64("player_id", player.ID).Msg("查询球员球队失败")
	}
	return player.PrimaryTeamID
}

const sessionColumns = "id, match_id, thread_id, competition, is_active, last_status, last_update, update_count, error_count"

func scanSession(row rowScanner) (*model.LiveReportingSession, error) {
	var (
		s          model.LiveReportingSession
		lastStatus sql.NullString
		lastUpdate sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.MatchID, &s.ThreadID, &s.Competition, &s.IsActive,
		&lastStatus, &lastUpdate, &s.UpdateCount, &s.ErrorCount); err != nil {
		return nil, err
	}
	s.LastStatus = lastStatus.String
	if lastUpdate.Valid {
		t := lastUpdate.Time
		s.LastUpdate = &t
	}
	return &s, nil
}

// GetActiveSessions 查询所有活跃的直播会话
func (r *MySQLRepository) GetActiveSessions(ctx context.Context) ([]*model.LiveReportingSession, error) {
	rows, err := r.masterDB.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM live_reporting_sessions WHERE is_active = 1 ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("查询活跃直播会话失败: %w", err)
	}
	defer rows.Close()

	var sessions []*model.LiveReportingSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描直播会话失败: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代直播会话失败: %w", err)
	}
	return sessions, nil
}

// GetSessionByMatchID 查询比赛对应的活跃会话
func (r *MySQLRepository) GetSessionByMatchID(ctx context.Context, matchID string) (*model.LiveReportingSession, error) {
	s, err := scanSession(r.masterDB.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM live_reporting_sessions WHERE match_id = ? AND is_active = 1 LIMIT 1", matchID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("比赛 %s: %w", matchID, model.ErrSessionNotFound)
		}
		return nil, fmt.Errorf("查询直播会话失败: %w", err)
	}
	return s, nil
}

// DeactivateSession 停用直播会话
func (r *MySQLRepository) DeactivateSession(ctx context.Context, sessionID int64, reason string) error {
	_, err := r.masterDB.ExecContext(ctx,
		"UPDATE live_reporting_sessions SET is_active = 0, deactivation_reason = ?, ended_at = ? WHERE id = ?",
		reason, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("停用直播会话 %d 失败: %w", sessionID, err)
	}
	return nil
}

// TouchSession 记录一次成功的直播处理
func (r *MySQLRepository) TouchSession(ctx context.Context, sessionID int64, status string) error {
	_, err := r.masterDB.ExecContext(ctx,
		"UPDATE live_reporting_sessions SET last_status = ?, last_update = ?, update_count = update_count + 1 WHERE id = ?",
		status, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("更新直播会话 %d 失败: %w", sessionID, err)
	}
	return nil
}

// RecordSessionError 记录一次失败的直播处理
func (r *MySQLRepository) RecordSessionError(ctx context.Context, sessionID int64) error {
	_, err := r.masterDB.ExecContext(ctx,
		"UPDATE live_reporting_sessions SET error_count = error_count + 1 WHERE id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("记录直播会话 %d 错误失败: %w", sessionID, err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Close 关闭数据库连接
func (r *MySQLRepository) Close() {
	if r.masterDB != nil {
		r.masterDB.Close()
	}
	if r.slaveDB != nil && r.slaveDB != r.masterDB {
		r.slaveDB.Close()
	}
}
