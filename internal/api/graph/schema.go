package graph

// schemaString GraphQL Schema定义
// 时间字段统一为RFC3339字符串
const schemaString = `
type RSVPCounts {
  yes: Int!
  no: Int!
  maybe: Int!
  total: Int!
}

type RSVPStatus {
  matchId: Int!
  playerId: Int!
  response: String!
  respondedAt: String
  counts: RSVPCounts!
}

type UpdateResult {
  success: Boolean!
  message: String!
  oldResponse: String
  newResponse: String
  traceId: String
}

type BulkItemResult {
  index: Int!
  success: Boolean!
  message: String!
}

type BulkResult {
  total: Int!
  succeeded: Int!
  failed: Int!
  results: [BulkItemResult!]!
}

type RSVPState {
  source: String!
  response: String!
  timestamp: String!
  confidence: Float!
  userId: String!
}

type ConflictResolution {
  resolvedResponse: String!
  chosenSource: String!
  resolutionStrategy: String!
  confidence: Float!
  conflictingStates: [RSVPState!]!
  resolutionReason: String!
  traceId: String!
  applied: Boolean!
  skipped: Boolean!
}

type ProcessStats {
  totalSessions: Int!
  scheduledTasks: Int!
  blockedByCircuitBreaker: Int!
  blockedByBackpressure: Int!
  failedSubmissions: Int!
  staleSessions: Int!
  processingTimeMs: Float!
  circuitBreakerState: String!
}

type LiveReportingHealth {
  circuitBreakerState: String!
  circuitBreakerFailures: Int!
  queueSize: Int!
  maxQueueSize: Int!
  activeSessions: Int!
  timestamp: String!
}

type RealtimeHealth {
  isRunning: Boolean!
  health: String!
  lastHeartbeat: String
  heartbeatAgeSeconds: Int
  error: String
  timestamp: String!
}

type LiveSession {
  sessionId: Int!
  matchId: String!
  threadId: String!
  competition: String!
  lastStatus: String
  lastUpdate: String
  updateCount: Int!
  errorCount: Int!
}

type SessionsStatus {
  timestamp: String!
  databaseSessions: Int!
  sessions: [LiveSession!]!
  realtimeService: RealtimeHealth
  coordinationStatus: String!
  error: String
}

type BridgeResult {
  success: Boolean!
  message: String
  error: String
  sessionId: Int
  command: String
  syncedSessions: Int!
}

input RSVPInput {
  matchId: Int!
  playerId: Int!
  response: String!
  source: String!
  operationId: String
  traceId: String
}

input StateInput {
  source: String!
  response: String!
  timestamp: String!
  userId: String
}

input ConflictInput {
  discord: StateInput
  database: StateInput
  mobile: StateInput
  downtimeStart: String!
  traceId: String
  matchId: Int
  discordId: String
  apply: Boolean
}

input CommandParam {
  key: String!
  value: String!
}

type Query {
  # 球员的回复和比赛统计
  rsvpStatus(matchId: Int!, playerId: Int!): RSVPStatus!

  # 直播调度健康状况
  liveReportingHealth: LiveReportingHealth!

  # 实时服务健康状况
  realtimeHealth: RealtimeHealth!

  # 数据库会话与实时服务的协调状态
  activeSessionsStatus: SessionsStatus!
}

type Mutation {
  updateRsvp(input: RSVPInput!): UpdateResult!

  bulkUpdateRsvps(inputs: [RSVPInput!]!): BulkResult!

  # 合并给定的三方状态，apply为true时写回
  resolveRsvpConflict(input: ConflictInput!): ConflictResolution!

  # 从各来源读取状态后合并并写回
  reconcileRsvp(matchId: Int!, discordId: String!, downtimeStart: String!, traceId: String): ConflictResolution!

  processActiveSessions: ProcessStats!

  notifySessionStarted(sessionId: Int!, matchId: String!, threadId: String!): BridgeResult!
  notifySessionStopped(sessionId: Int!, matchId: String!, reason: String!): BridgeResult!
  forceSessionSync: BridgeResult!
  sendRealtimeCommand(command: String!, params: [CommandParam!]): BridgeResult!
}

schema {
  query: Query
  mutation: Mutation
}
`
