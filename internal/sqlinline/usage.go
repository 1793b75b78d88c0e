package sqlinline

const QuotaStateColumns = `user_id, concurrency_current, concurrency_max, last_job_at,
  hourly_count, hourly_reset_at, daily_count, daily_reset_at,
  risk_status, restriction_expiry, updated_at`

const QEnsureQuotaState = `--sql ed540a49-78ba-43d7-886e-10fe8e484854
insert into quota_state (user_id, risk_status, updated_at)
values ($1::text, 'normal', now())
on conflict (user_id) do nothing;
`

const QLockQuotaState = `--sql d03ec01e-8185-4faf-9bfc-13a213977ac4
select ` + QuotaStateColumns + `
from quota_state
where user_id = $1::text
for update;
`

const QSelectQuotaState = `--sql 5aa1f9da-bb51-4e5c-8b30-3b611d680f45
select ` + QuotaStateColumns + `
from quota_state
where user_id = $1::text;
`

const QUpdateQuotaState = `--sql fc0879e4-a5e7-417d-a637-e6538579a9df
update quota_state
set concurrency_current = $2::int,
    concurrency_max = $3::int,
    last_job_at = $4::timestamptz,
    hourly_count = $5::int,
    hourly_reset_at = $6::timestamptz,
    daily_count = $7::int,
    daily_reset_at = $8::timestamptz,
    risk_status = $9::text,
    restriction_expiry = $10::timestamptz,
    updated_at = $11::timestamptz
where user_id = $1::text;
`

const QListActiveQuotaUsers = `--sql 26c20c95-5ccd-43d0-9c28-afbb26954926
select ` + QuotaStateColumns + `
from quota_state
where concurrency_current <> 0
order by user_id;
`
