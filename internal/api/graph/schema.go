package graph

// 读取GraphQL Schema定义
const schemaString = `
type Post {
  id: ID!
  discussionId: ID!
  title: String!
  author: String!
  text: String!
  pageCount: Int!
  url: String!
  imageUrl: String!
  ownerId: String!
  ownerName: String!
  createdOn: String!
  modifiedOn: String!
}

type Discussion {
  id: ID!
  topic: String!
  title: String!
  description: String!
  isClosed: Boolean!
  pollId: ID
  roundId: ID
  ownerId: String!
  createdOn: String!
  posts: [Post!]!
}

type PollOption {
  postId: ID!
  title: String!
  author: String!
}

type OptionRank {
  postId: ID!
  title: String!
  votes: Int!
  rank: Int!
}

type Poll {
  id: ID!
  discussionId: ID!
  roundId: ID
  title: String!
  topic: String!
  isClosed: Boolean!
  createBookOnClose: Boolean!
  options: [PollOption!]!
  ranking: [OptionRank!]!
  totalVotes: Int!
  youVoted: Boolean!
  winnerPostId: ID
  bookId: ID
  nextRoundId: ID
  createdOn: String!
  closedOn: String
}

type Book {
  id: ID!
  roundId: ID!
  postId: ID!
  title: String!
  author: String!
  pageCount: Int!
  url: String!
  imageUrl: String!
  order: Int!
  ownerId: String!
  createdOn: String!
}

type Round {
  id: ID!
  discussionId: ID
  pollId: ID
  title: String!
  ownerId: String!
  createdOn: String!
  closedOn: String
}

type RoundUpdate {
  poll: Poll
  book: Book
  round: Round
  discussion: Discussion
}

input PostInput {
  title: String!
  author: String
  text: String
  pageCount: Int
  url: String
  imageUrl: String
  ownerName: String
}

type Query {
  # 全部讨论，新的在前
  discussions: [Discussion!]!

  # 讨论及其条目
  discussion(id: ID!): Discussion!

  # 最新的未关闭讨论
  latestDiscussion: Discussion!

  post(discussionId: ID!, id: ID!): Post!

  # 全部投票，新的在前
  polls: [Poll!]!

  # 投票详情（含排名和当前用户是否已投票）
  poll(id: ID!): Poll!

  # 已选出的书
  books: [Book!]!
}

type Mutation {
  # 开始新周期，topic为books或themes
  startRound(topic: String!, title: String!): RoundUpdate!

  addPost(discussionId: ID!, input: PostInput!): Post!
  updatePost(discussionId: ID!, id: ID!, input: PostInput!): Post!
  deletePost(discussionId: ID!, id: ID!): Post!
  deleteDiscussion(id: ID!): Discussion!

  # 关闭讨论并开始投票
  openPoll(discussionId: ID!): Poll!

  # 投票，达到法定人数时自动关闭
  castVote(pollId: ID!, postIds: [ID!]!): RoundUpdate!

  closePoll(pollId: ID!): RoundUpdate!
}

schema {
  query: Query
  mutation: Mutation
}
`
