package sqlinline

const QListTimedOutJobs = `--sql c9b11a99-a818-40a2-8d20-589b234b0ca1
select ` + JobColumns + `
from jobs
where status = 'processing'
  and timeout_deadline < $1::timestamptz
order by updated_at asc
limit $2::int;
`

// QListRetryableJobs: $1 max retries, $2 window start, $3 cooldown start.
const QListRetryableJobs = `--sql 6acab84e-6816-4954-b3d8-f24a74778919
select ` + JobColumns + `
from jobs
where status = 'failed'
  and not refunded
  and moderation_status <> 'rejected'
  and error_message <> 'timeout'
  and retry_count < $1::int
  and (processing_completed_at is null or processing_completed_at >= $2::timestamptz)
  and (last_retry_at is null or last_retry_at <= $3::timestamptz)
order by updated_at asc
limit $4::int;
`

// QListUnsettledJobs: failed, unrefunded and never runnable again.
// $1 max retries, $2 window start.
const QListUnsettledJobs = `--sql 216d7a99-73e9-49ce-a386-74d4fafe1aad
select ` + JobColumns + `
from jobs
where status = 'failed'
  and not refunded
  and (moderation_status = 'rejected'
       or error_message = 'timeout'
       or retry_count >= $1::int
       or processing_completed_at < $2::timestamptz)
order by updated_at asc
limit $3::int;
`

const QListStalePendingJobs = `--sql 368ed91b-1b56-4ab0-b4bf-bbec1d902880
select ` + JobColumns + `
from jobs
where status = 'pending'
  and queued_at < $1::timestamptz
order by updated_at asc
limit $2::int;
`

const QCountSlotsHeld = `--sql 89979736-5667-42ee-b0ff-c17360016508
select owner_id, count(*)::int
from jobs
where slot_held
group by owner_id;
`
