package game

import "math"

// ResolveAuthority 把对象的写权限交给距离 (x, y) 最近的玩家。
// 距离相同时取 id 最小的玩家；仅在持有者变化时更新，返回当前持有者。
// 子弹的权威永远是发射者，不参与重新分配；敌人 id 优先于子弹 id。
func (w *World) ResolveAuthority(objectID string, x, y float64) (string, bool) {
	if _, enemy := w.enemies[objectID]; !enemy {
		if proj, ok := w.projectiles[objectID]; ok {
			return proj.OwnerID, false
		}
	}

	nearest := ""
	best := math.Inf(1)
	for _, id := range sortedKeys(w.players) {
		p := w.players[id]
		if d := math.Hypot(p.X-x, p.Y-y); d < best {
			best, nearest = d, id
		}
	}

	prev, held := w.authority[objectID]
	if nearest == "" {
		if held {
			delete(w.authority, objectID)
			return "", true
		}
		return "", false
	}
	if prev == nearest {
		return nearest, false
	}
	w.authority[objectID] = nearest
	w.log.Debugf("authority for %s transferred from %q to %q", objectID, prev, nearest)
	return nearest, true
}

// AuthorityOf 当前持有者，空串表示无人持有
func (w *World) AuthorityOf(objectID string) string {
	return w.authority[objectID]
}

// HasAuthority 玩家是否持有对象的写权限
func (w *World) HasAuthority(playerID, objectID string) bool {
	holder, ok := w.authority[objectID]
	return ok && holder == playerID
}

// Authorities 权威表的拷贝
func (w *World) Authorities() map[string]string {
	out := make(map[string]string, len(w.authority))
	for k, v := range w.authority {
		out[k] = v
	}
	return out
}

// PlayerUpdate 客户端上报的自身状态（字段均可选）
type PlayerUpdate struct {
	PlayerID    string   `json:"player_id"`
	X           *float64 `json:"x,omitempty"`
	Y           *float64 `json:"y,omitempty"`
	VelocityX   *float64 `json:"velocity_x,omitempty"`
	VelocityY   *float64 `json:"velocity_y,omitempty"`
	Health      *int     `json:"health,omitempty"`
	Score       *int     `json:"score,omitempty"`
	FacingRight *bool    `json:"facing_right,omitempty"`
	IsGrounded  *bool    `json:"is_grounded,omitempty"`
	IsJumping   *bool    `json:"is_jumping,omitempty"`
}

// EnemyUpdate 客户端上报的敌人状态
type EnemyUpdate struct {
	EnemyID     string   `json:"enemy_id"`
	X           *float64 `json:"x,omitempty"`
	Y           *float64 `json:"y,omitempty"`
	VelocityX   *float64 `json:"velocity_x,omitempty"`
	VelocityY   *float64 `json:"velocity_y,omitempty"`
	Health      *int     `json:"health,omitempty"`
	FacingRight *bool    `json:"facing_right,omitempty"`
}

// ProjectileUpdate 客户端上报的子弹状态；未知 id 由拥有者创建
type ProjectileUpdate struct {
	ProjectileID string   `json:"projectile_id"`
	OwnerID      string   `json:"owner_id"`
	X            *float64 `json:"x,omitempty"`
	Y            *float64 `json:"y,omitempty"`
	VelocityX    *float64 `json:"velocity_x,omitempty"`
	VelocityY    *float64 `json:"velocity_y,omitempty"`
	Damage       *int     `json:"damage,omitempty"`
}

// ClientUpdate game_state_update 的载荷
type ClientUpdate struct {
	Player      *PlayerUpdate      `json:"player,omitempty"`
	Enemies     []EnemyUpdate      `json:"enemies,omitempty"`
	Projectiles []ProjectileUpdate `json:"projectiles,omitempty"`
}

// MergeResult 合并结果；被拒绝的对象只记录日志，不回报给客户端
type MergeResult struct {
	PlayerAccepted      bool
	EnemiesAccepted     int
	ProjectilesAccepted int
	ProjectilesCreated  int
	Rejected            []string
}

// ApplyClientUpdate 按权威规则合并客户端快照：
// 自身状态总是接受；敌人只接受当前权威者；子弹只接受拥有者。
func (w *World) ApplyClientUpdate(connID string, u ClientUpdate) MergeResult {
	var res MergeResult

	if u.Player != nil {
		if pu := u.Player; (pu.PlayerID == "" || pu.PlayerID == connID) && w.applyPlayer(connID, pu) {
			res.PlayerAccepted = true
		} else {
			res.Rejected = append(res.Rejected, "player:"+u.Player.PlayerID)
		}
	}

	for i := range u.Enemies {
		eu := &u.Enemies[i]
		e, ok := w.enemies[eu.EnemyID]
		if !ok {
			res.Rejected = append(res.Rejected, "enemy:"+eu.EnemyID)
			continue
		}
		// 以服务端已知位置重新裁决一次
		w.ResolveAuthority(e.EnemyID, e.X, e.Y)
		if !w.HasAuthority(connID, e.EnemyID) {
			res.Rejected = append(res.Rejected, "enemy:"+eu.EnemyID)
			continue
		}
		applyEnemy(e, eu)
		res.EnemiesAccepted++
	}

	for i := range u.Projectiles {
		pu := &u.Projectiles[i]
		if pu.OwnerID != connID || pu.ProjectileID == "" {
			res.Rejected = append(res.Rejected, "projectile:"+pu.ProjectileID)
			continue
		}
		proj, ok := w.projectiles[pu.ProjectileID]
		if !ok {
			if _, known := w.players[connID]; !known || w.idTaken(pu.ProjectileID) {
				res.Rejected = append(res.Rejected, "projectile:"+pu.ProjectileID)
				continue
			}
			proj = &ProjectileState{ProjectileID: pu.ProjectileID, OwnerID: connID, Damage: ProjectileDamage}
			w.projectiles[proj.ProjectileID] = proj
			w.authority[proj.ProjectileID] = connID
			res.ProjectilesCreated++
		} else if proj.OwnerID != connID {
			res.Rejected = append(res.Rejected, "projectile:"+pu.ProjectileID)
			continue
		}
		applyProjectile(proj, pu)
		res.ProjectilesAccepted++
	}
	return res
}

func (w *World) applyPlayer(id string, u *PlayerUpdate) bool {
	p, ok := w.players[id]
	if !ok {
		return false
	}
	setFloat(&p.X, u.X)
	setFloat(&p.Y, u.Y)
	setFloat(&p.VelocityX, u.VelocityX)
	setFloat(&p.VelocityY, u.VelocityY)
	setInt(&p.Health, u.Health)
	setInt(&p.Score, u.Score)
	setBool(&p.FacingRight, u.FacingRight)
	setBool(&p.IsGrounded, u.IsGrounded)
	setBool(&p.IsJumping, u.IsJumping)
	w.clampPlayer(p)
	return true
}

func applyEnemy(e *EnemyState, u *EnemyUpdate) {
	setFloat(&e.X, u.X)
	setFloat(&e.Y, u.Y)
	setFloat(&e.VelocityX, u.VelocityX)
	setFloat(&e.VelocityY, u.VelocityY)
	setInt(&e.Health, u.Health)
	setBool(&e.FacingRight, u.FacingRight)
}

func applyProjectile(p *ProjectileState, u *ProjectileUpdate) {
	setFloat(&p.X, u.X)
	setFloat(&p.Y, u.Y)
	setFloat(&p.VelocityX, u.VelocityX)
	setFloat(&p.VelocityY, u.VelocityY)
	setInt(&p.Damage, u.Damage)
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

// idTaken id 是否已被玩家、敌人或平台占用
func (w *World) idTaken(id string) bool {
	if _, ok := w.players[id]; ok {
		return true
	}
	if _, ok := w.enemies[id]; ok {
		return true
	}
	for _, p := range w.platforms {
		if p.ID == id {
			return true
		}
	}
	return false
}
